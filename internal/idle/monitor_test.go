package idle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/navigation"
	"github.com/hitoshi/laptopinv/internal/session"
	"github.com/hitoshi/laptopinv/internal/storage"
)

// --- フェイククロック ---

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance は時刻をd進め、期限を迎えたタイマーを期限順に同期実行する。
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.fn()
	}
}

// Active は停止も発火もしていないタイマーの数を返す。
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// --- モック定義 ---

type mockEnder struct {
	mu      sync.Mutex
	reasons []model.EndReason
}

func (m *mockEnder) End(_ context.Context, reason model.EndReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *mockEnder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reasons)
}

func newTestMonitor() (*Monitor, *fakeClock, *mockEnder) {
	clock := newFakeClock()
	ender := &mockEnder{}
	m := NewMonitor(ender, Config{Timeout: 15 * time.Minute, Clock: clock})
	return m, clock, ender
}

func authenticated() model.SessionState {
	return model.StateFor(&model.Identity{ID: "u-1"})
}

func TestMonitor_StartsDisarmed(t *testing.T) {
	m, clock, _ := newTestMonitor()
	if m.Armed() {
		t.Error("new monitor should be disarmed")
	}
	if clock.Active() != 0 {
		t.Error("no timer should be scheduled before arming")
	}
}

func TestMonitor_FiresOnceAfterTimeout(t *testing.T) {
	m, clock, ender := newTestMonitor()
	m.Observe(authenticated())

	clock.Advance(14*time.Minute + 59*time.Second)
	if ender.count() != 0 {
		t.Fatal("should not fire before the timeout")
	}

	clock.Advance(time.Second)
	if ender.count() != 1 || ender.reasons[0] != model.EndReasonIdleTimeout {
		t.Fatalf("reasons = %v, want one idle_timeout", ender.reasons)
	}
	if m.Armed() {
		t.Error("monitor should disarm after firing")
	}

	clock.Advance(time.Hour)
	if ender.count() != 1 {
		t.Errorf("fired %d times, want exactly once per armed period", ender.count())
	}
}

func TestMonitor_ActivityWithinTimeoutNeverFires(t *testing.T) {
	m, clock, ender := newTestMonitor()
	m.Observe(authenticated())

	for i := 0; i < 20; i++ {
		clock.Advance(14 * time.Minute)
		if !m.Activity(SignalPointerMove) {
			t.Fatal("activity while armed should reset the timer")
		}
	}
	if ender.count() != 0 {
		t.Errorf("fired %d times with gaps shorter than the timeout", ender.count())
	}

	clock.Advance(15 * time.Minute)
	if ender.count() != 1 {
		t.Errorf("fired %d times, want once at the timeout after the last activity", ender.count())
	}
}

func TestMonitor_RepeatedArmKeepsOneTimer(t *testing.T) {
	m, clock, _ := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.Observe(authenticated())
	}
	m.Arm()

	if n := clock.Active(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}

	m.Activity(SignalClick)
	m.Activity(SignalScroll)
	if n := clock.Active(); n != 1 {
		t.Errorf("active timers after resets = %d, want 1", n)
	}
}

func TestMonitor_DisarmedWhenUnauthenticated(t *testing.T) {
	m, clock, ender := newTestMonitor()
	m.Observe(authenticated())
	m.Observe(model.StateFor(nil))

	if m.Armed() || clock.Active() != 0 {
		t.Error("monitor should be disarmed without an active timer")
	}
	if m.Activity(SignalClick) {
		t.Error("activity while disarmed should be ignored")
	}

	clock.Advance(time.Hour)
	if ender.count() != 0 {
		t.Error("disarmed monitor must not fire")
	}
}

func TestMonitor_LoadingStateDisarms(t *testing.T) {
	m, clock, _ := newTestMonitor()
	m.Observe(model.LoadingState())
	if m.Armed() || clock.Active() != 0 {
		t.Error("monitor should stay disarmed while loading")
	}
}

func TestMonitor_UnconfiguredSignalIgnored(t *testing.T) {
	clock := newFakeClock()
	ender := &mockEnder{}
	m := NewMonitor(ender, Config{Timeout: time.Minute, Signals: []Signal{SignalKeyPress}, Clock: clock})
	m.Arm()

	clock.Advance(50 * time.Second)
	if m.Activity(SignalPointerMove) {
		t.Error("unconfigured signal should be ignored")
	}
	clock.Advance(10 * time.Second)
	if ender.count() != 1 {
		t.Errorf("unconfigured signal should not reset the timer, fired %d", ender.count())
	}
}

func TestMonitor_StaleTimerDiscarded(t *testing.T) {
	m, _, ender := newTestMonitor()
	m.Arm()

	m.mu.Lock()
	stale := m.generation
	m.mu.Unlock()

	m.Activity(SignalClick)
	m.expire(stale)

	if ender.count() != 0 {
		t.Error("stale timer callback should be discarded")
	}
	if !m.Armed() {
		t.Error("monitor should remain armed")
	}
}

func TestMonitor_Deadline(t *testing.T) {
	m, clock, _ := newTestMonitor()
	if _, ok := m.Deadline(); ok {
		t.Error("disarmed monitor has no deadline")
	}
	m.Arm()
	clock.Advance(5 * time.Minute)
	m.Activity(SignalKeyPress)

	d, ok := m.Deadline()
	want := clock.Now().Add(15 * time.Minute)
	if !ok || !d.Equal(want) {
		t.Errorf("Deadline() = (%v, %v), want %v", d, ok, want)
	}
}

func TestParseSignals(t *testing.T) {
	got := ParseSignals(" click , key_press,,")
	if len(got) != 2 || got[0] != SignalClick || got[1] != SignalKeyPress {
		t.Errorf("ParseSignals = %v", got)
	}
	if got := ParseSignals(""); len(got) != len(DefaultSignals) {
		t.Errorf("ParseSignals(\"\") = %v, want defaults", got)
	}
}

// --- Session Storeとの結合 ---

type stubProvider struct {
	mu   sync.Mutex
	subs []func(model.SessionEvent)
}

func (p *stubProvider) GetCurrentSession(context.Context) (*model.Identity, error) {
	return &model.Identity{ID: "u-1", Email: "alice@example.com"}, nil
}

func (p *stubProvider) SignOut(context.Context) error { return nil }

func (p *stubProvider) OnSessionChange(fn func(model.SessionEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.subs = nil
	}
}

func TestMonitor_SixteenMinutesIdleLogsOutOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	local := storage.NewMemory()
	nav := navigation.NewNavigator()
	store := session.NewStore(&stubProvider{}, local, nav, session.Options{})

	var ends int
	store.Subscribe(func(st model.SessionState) {
		if !st.IsAuthenticated && !st.IsLoading {
			ends++
		}
	})

	m := NewMonitor(store, Config{Timeout: 15 * time.Minute, Clock: clock})
	m.Attach(store)
	defer m.Close()

	if err := store.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !m.Armed() {
		t.Fatal("monitor should arm once the session is restored")
	}

	clock.Advance(16 * time.Minute)

	if ends != 1 {
		t.Errorf("logout observed %d times, want 1", ends)
	}
	if store.State().IsAuthenticated {
		t.Error("session should be ended")
	}
	if local.Len() != 0 {
		t.Errorf("storage should be cleared, %d keys left", local.Len())
	}
	r, ok := nav.Pending()
	if !ok || r.URL() != "/login?reason=idle_timeout" {
		t.Errorf("pending redirect = (%+v, %v), want /login?reason=idle_timeout", r, ok)
	}
}

func TestMonitor_CloseDetaches(t *testing.T) {
	clock := newFakeClock()
	store := session.NewStore(&stubProvider{}, storage.NewMemory(), nil, session.Options{})
	m := NewMonitor(store, Config{Clock: clock})
	m.Attach(store)

	if store.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, want 1", store.ListenerCount())
	}
	m.Close()
	if store.ListenerCount() != 0 {
		t.Errorf("ListenerCount() after Close = %d, want 0", store.ListenerCount())
	}
	if clock.Active() != 0 {
		t.Error("timer should be stopped after Close")
	}
}
