// Package idle は認証中のユーザー操作を監視し、一定時間操作がなければセッションを終了する。
package idle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/laptopinv/internal/model"
)

// DefaultTimeout は無操作タイムアウトの既定値。
const DefaultTimeout = 15 * time.Minute

// Signal はユーザー操作の種類。
type Signal string

const (
	SignalPointerMove Signal = "pointer_move"
	SignalKeyPress    Signal = "key_press"
	SignalClick       Signal = "click"
	SignalScroll      Signal = "scroll"
	SignalTouch       Signal = "touch"
)

// DefaultSignals は既定で監視する操作の一覧。
var DefaultSignals = []Signal{SignalPointerMove, SignalKeyPress, SignalClick, SignalScroll, SignalTouch}

// ParseSignals はカンマ区切りの文字列をSignalの一覧に変換する。空の場合はDefaultSignalsを返す。
func ParseSignals(s string) []Signal {
	var out []Signal
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, Signal(part))
		}
	}
	if len(out) == 0 {
		return DefaultSignals
	}
	return out
}

// SessionEnder はタイムアウト時にセッションを終了する。*session.Storeが実装する。
type SessionEnder interface {
	End(ctx context.Context, reason model.EndReason) error
}

// StateSource は監視対象のセッション状態。*session.Storeが実装する。
type StateSource interface {
	State() model.SessionState
	Subscribe(fn func(model.SessionState)) (unsubscribe func())
}

// Config はMonitorの設定。
type Config struct {
	Timeout time.Duration
	Signals []Signal
	Clock   Clock
	Logger  *slog.Logger
}

// Monitor は無操作タイマーを管理する。認証中のみArmed状態になり、タイマーは常に高々1つ。
type Monitor struct {
	ender   SessionEnder
	timeout time.Duration
	signals map[Signal]struct{}
	clock   Clock
	logger  *slog.Logger

	mu           sync.Mutex
	armed        bool
	timer        Timer
	generation   uint64
	lastActivity time.Time
	unsubscribe  func()
}

// NewMonitor はDisarmed状態のMonitorを生成する。
func NewMonitor(ender SessionEnder, cfg Config) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = DefaultSignals
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	signals := make(map[Signal]struct{}, len(cfg.Signals))
	for _, s := range cfg.Signals {
		signals[s] = struct{}{}
	}

	return &Monitor{
		ender:   ender,
		timeout: cfg.Timeout,
		signals: signals,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Attach はセッション状態を購読し、現在の状態を反映する。
func (m *Monitor) Attach(src StateSource) {
	unsubscribe := src.Subscribe(m.Observe)

	m.mu.Lock()
	prev := m.unsubscribe
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	m.Observe(src.State())
}

// Observe はセッション状態に応じてArm/Disarmする。
func (m *Monitor) Observe(state model.SessionState) {
	if state.IsAuthenticated {
		m.Arm()
		return
	}
	m.Disarm()
}

// Arm はタイマーを開始する。既にArmedなら何もしない。
func (m *Monitor) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed {
		return
	}
	m.armed = true
	m.lastActivity = m.clock.Now()
	m.scheduleLocked()
}

// Disarm はタイマーを停止する。
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

func (m *Monitor) disarmLocked() {
	if !m.armed {
		return
	}
	m.armed = false
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Accepts はsignalが監視対象の操作かどうかを返す。
func (m *Monitor) Accepts(signal Signal) bool {
	_, ok := m.signals[signal]
	return ok
}

// Activity はユーザー操作を記録してタイマーをリセットする。
// Disarmed状態や監視対象外の操作は無視し、falseを返す。
func (m *Monitor) Activity(signal Signal) bool {
	if !m.Accepts(signal) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed {
		return false
	}
	m.lastActivity = m.clock.Now()
	m.scheduleLocked()
	return true
}

// scheduleLocked は既存のタイマーを止めて新しいタイマーを1つだけ開始する。muを保持して呼ぶこと。
func (m *Monitor) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation
	m.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(gen) })
}

// expire はタイマー満了時に呼ばれる。リセットや停止で古くなったタイマーの呼び出しは世代で捨てる。
func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if !m.armed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.timer = nil
	idleFor := m.clock.Now().Sub(m.lastActivity)
	m.mu.Unlock()

	m.logger.Info("idle timeout reached",
		slog.Duration("idle", idleFor),
		slog.Duration("timeout", m.timeout),
	)
	if err := m.ender.End(context.Background(), model.EndReasonIdleTimeout); err != nil {
		m.logger.Error("failed to end idle session", slog.String("error", err.Error()))
	}
}

// Armed は現在Armed状態かどうかを返す。
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Deadline はArmed状態のときタイムアウト予定時刻を返す。
func (m *Monitor) Deadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed {
		return time.Time{}, false
	}
	return m.lastActivity.Add(m.timeout), true
}

// Close はセッション状態の購読を解除し、タイマーを停止する。
func (m *Monitor) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.disarmLocked()
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
