// Package store persists finished calls and their transcripts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for an unknown call id.
var ErrNotFound = errors.New("store: call not found")

// Call is one bridged phone call.
type Call struct {
	ID        string `gorm:"primaryKey;size:64"`
	StreamSid string `gorm:"index;size:64"`
	CallSid   string `gorm:"index;size:64"`
	Direction string `gorm:"size:16"`
	Mode      string `gorm:"size:32"`
	StartedAt time.Time
	EndedAt   time.Time
	// Reason is empty for a normal hangup.
	Reason    string `gorm:"size:64"`
	Error     string
	BargeIns  int
	Turns     []Turn `gorm:"foreignKey:CallID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// Turn is one line of the conversation, in order.
type Turn struct {
	ID     uint   `gorm:"primaryKey"`
	CallID string `gorm:"index;size:64"`
	Seq    int
	Role   string `gorm:"size:16"`
	Text   string
}

// Store saves call records.
type Store interface {
	SaveCall(ctx context.Context, call *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	Close() error
}

// Open connects to driver ("sqlite", "postgres" or "none") and migrates
// the schema.
func Open(driver, dsn string) (Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return NewGorm(db)
}

// Gorm is a Store on any gorm dialect.
type Gorm struct {
	db *gorm.DB
}

// NewGorm migrates the schema on db.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&Call{}, &Turn{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) SaveCall(ctx context.Context, call *Call) error {
	for i := range call.Turns {
		call.Turns[i].CallID = call.ID
		call.Turns[i].Seq = i + 1
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(call).Error
	})
	if err != nil {
		return fmt.Errorf("store: save call %s: %w", call.ID, err)
	}
	return nil
}

func (g *Gorm) GetCall(ctx context.Context, id string) (*Call, error) {
	var call Call
	err := g.db.WithContext(ctx).
		Preload("Turns", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&call, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get call %s: %w", id, err)
	}
	return &call, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Nop discards records.
type Nop struct{}

func (Nop) SaveCall(context.Context, *Call) error { return nil }
func (Nop) GetCall(context.Context, string) (*Call, error) {
	return nil, ErrNotFound
}
func (Nop) Close() error { return nil }
