// InterruptManager 统一管理打断 (barge-in) 逻辑。
//
// 一个 Turn 从开始合成到最后一帧发送完毕期间处于 speaking 状态。
// speaking 时任何非空的中间识别结果都会触发打断:
//   - 标记 turn 为 interrupted 并取消其 context
//   - 向运营商发送 clear，丢弃已缓冲但未播放的音频
//   - 之后该 turn 的所有 flush / 合成 / 发帧操作都变成空操作
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// InterruptState 表示打断管理器的状态
type InterruptState int

const (
	InterruptStateIdle        InterruptState = iota // 没有音频在播放
	InterruptStateSpeaking                          // AI 音频发送中
	InterruptStateInterrupted                       // 被打断，等待 turn 退出
)

// String 返回状态的字符串表示
func (s InterruptState) String() string {
	switch s {
	case InterruptStateIdle:
		return "idle"
	case InterruptStateSpeaking:
		return "speaking"
	case InterruptStateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// errInterrupted is returned by every continuation point of an
// interrupted turn.
var errInterrupted = errors.New("pipeline: turn interrupted")

// TurnKind distinguishes replies from the outbound greeting.
type TurnKind string

const (
	TurnKindReply    TurnKind = "reply"
	TurnKindGreeting TurnKind = "greeting"
)

// Turn is one assistant response. It owns a cancellable context and the
// interrupted flag checked before each flush, synthesis and frame send.
type Turn struct {
	ID        string
	Kind      TurnKind
	Text      string // user utterance, or the greeting itself
	StartedAt time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	interrupted atomic.Bool
	// sendMu orders frame sends against clear: once clear has been
	// written no frame of this turn follows it.
	sendMu   sync.Mutex
	failures atomic.Int32
	done     chan struct{}
	outcome  turnOutcome
}

type turnOutcome struct {
	spoken []string
	err    error
}

func newTurn(parent context.Context, id string, kind TurnKind, text string) *Turn {
	ctx, cancel := context.WithCancel(parent)
	return &Turn{
		ID:        id,
		Kind:      kind,
		Text:      text,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Interrupted reports whether the turn was cancelled by barge-in or
// superseded by a newer utterance.
func (t *Turn) Interrupted() bool { return t.interrupted.Load() }

// Done is closed when the turn's goroutine has exited.
func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) interrupt() bool {
	if !t.interrupted.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// send runs fn unless the turn has been interrupted.
func (t *Turn) send(fn func() error) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.Interrupted() {
		return errInterrupted
	}
	return fn()
}

// fail counts a consecutive adapter failure and returns the new count.
func (t *Turn) fail() int { return int(t.failures.Add(1)) }

// ok resets the consecutive failure count.
func (t *Turn) ok() { t.failures.Store(0) }

// Clearer flushes audio the carrier has buffered.
type Clearer interface {
	Clear() error
}

// InterruptManager 打断管理器
type InterruptManager struct {
	sink   Clearer
	bus    Bus
	logger *zap.Logger

	mu              sync.Mutex
	state           InterruptState
	current         *Turn
	interrupts      int
	lastInterruptAt time.Time
}

// NewInterruptManager 创建打断管理器
func NewInterruptManager(sink Clearer, bus Bus, logger *zap.Logger) *InterruptManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterruptManager{
		sink:   sink,
		bus:    bus,
		logger: logger,
		state:  InterruptStateIdle,
	}
}

// Begin makes turn the current turn.
func (im *InterruptManager) Begin(turn *Turn) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.current = turn
	im.state = InterruptStateIdle
}

// StartSpeaking is called before the first frame of turn is sent. It
// returns false when the turn is no longer current or was interrupted.
func (im *InterruptManager) StartSpeaking(turn *Turn) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.current != turn || turn.Interrupted() {
		return false
	}
	im.state = InterruptStateSpeaking
	return true
}

// BargeIn handles an interim transcript. Non-empty text while speaking
// interrupts the current turn and clears carrier playback.
func (im *InterruptManager) BargeIn(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	im.mu.Lock()
	if im.state != InterruptStateSpeaking || im.current == nil {
		im.mu.Unlock()
		return false
	}
	turn := im.current
	im.state = InterruptStateInterrupted
	im.interrupts++
	im.lastInterruptAt = time.Now()
	im.mu.Unlock()

	im.logger.Info("barge-in",
		zap.String("turn_id", turn.ID),
		zap.String("transcript", text),
		zap.Duration("turn_age", time.Since(turn.StartedAt)))

	im.cancelTurn(turn, true)
	publish(im.bus, EventBargeIn, &TurnPayload{TurnID: turn.ID, Kind: turn.Kind, Text: text, Interrupted: true})
	return true
}

// Interrupt cancels the current turn whatever its state, clearing the
// carrier only if it was speaking. Used when a newer utterance
// supersedes a turn that is still thinking.
func (im *InterruptManager) Interrupt(reason string) *Turn {
	im.mu.Lock()
	turn := im.current
	if turn == nil {
		im.mu.Unlock()
		return nil
	}
	wasSpeaking := im.state == InterruptStateSpeaking
	im.state = InterruptStateInterrupted
	im.mu.Unlock()

	im.logger.Debug("interrupting turn", zap.String("turn_id", turn.ID), zap.String("reason", reason))
	im.cancelTurn(turn, wasSpeaking)
	return turn
}

func (im *InterruptManager) cancelTurn(turn *Turn, clear bool) {
	turn.interrupt()
	if !clear || im.sink == nil {
		return
	}
	// wait for an in-flight frame so that clear is the last thing the
	// carrier sees from this turn
	turn.sendMu.Lock()
	err := im.sink.Clear()
	turn.sendMu.Unlock()
	if err != nil {
		im.logger.Warn("clear failed", zap.String("turn_id", turn.ID), zap.Error(err))
	}
}

// End releases turn if it is still current.
func (im *InterruptManager) End(turn *Turn) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.current == turn {
		im.current = nil
		im.state = InterruptStateIdle
	}
}

// GetState 获取当前状态
func (im *InterruptManager) GetState() InterruptState {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.state
}

// Interrupts returns how many barge-ins fired.
func (im *InterruptManager) Interrupts() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.interrupts
}
