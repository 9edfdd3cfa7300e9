package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/realtime-ai/voice-relay/pkg/audio"
)

// Mode selects which orchestrator owns a call. Fixed at session start.
type Mode string

const (
	ModeCascaded      Mode = "cascaded"
	ModeRealtimeRelay Mode = "realtime-relay"
)

// ParseMode validates a configured or requested mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCascaded, ModeRealtimeRelay:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("pipeline: unknown mode %q", s)
	}
}

// Orchestrator is the per-call pipeline the session manager drives.
type Orchestrator interface {
	Start(ctx context.Context) error
	// OnAudio delivers one carrier frame, in arrival order.
	OnAudio(ctx context.Context, f audio.Frame) error
	// Done is closed once the orchestrator has stopped and released its
	// adapters.
	Done() <-chan struct{}
	// Err reports why the orchestrator stopped on its own; nil after Stop.
	Err() error
	Stop() error
}

// Greeter is implemented by orchestrators that can speak an opening line
// on outbound calls.
type Greeter interface {
	Greet(text string, delay time.Duration)
}

var (
	_ Orchestrator = (*Cascaded)(nil)
	_ Greeter      = (*Cascaded)(nil)
	_ Orchestrator = (*RealtimeRelay)(nil)
)
