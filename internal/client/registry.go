package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/laptopinv/internal/identity"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/navigation"
	"github.com/hitoshi/laptopinv/internal/profile"
	"github.com/hitoshi/laptopinv/internal/repository"
	"github.com/hitoshi/laptopinv/internal/security"
	"github.com/hitoshi/laptopinv/internal/session"
	"github.com/hitoshi/laptopinv/internal/storage"
)

const (
	// DefaultTTL は未使用のランタイムを破棄するまでの時間。
	DefaultTTL = 2 * time.Hour
	// restoreTimeout は初回のセッション復元に許す時間。
	restoreTimeout = 10 * time.Second
)

// Metrics はレジストリが記録するメトリクス。metrics.Collectorが実装する。
type Metrics interface {
	session.Recorder
	SetActiveClients(n int)
	RecordRevocations(count int)
}

// Config はRegistryの設定。
type Config struct {
	API       identity.AuthAPI
	Storage   storage.Provider
	Profiles  repository.ProfileRepository
	Sanitizer security.TextSanitizerService
	Metrics   Metrics

	IdleTimeout time.Duration
	IdleSignals []idle.Signal
	Clock       idle.Clock

	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Registry はクライアントIDごとのランタイムを保持する。
type Registry struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	runtimes map[string]*Runtime

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewRegistry はRegistryを生成する。CleanupIntervalが正の場合はバックグラウンドで破棄処理を開始する。
func NewRegistry(config Config) *Registry {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Sanitizer == nil {
		config.Sanitizer = security.NewTextSanitizer()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		config:   config,
		logger:   logger,
		now:      now,
		runtimes: make(map[string]*Runtime),
		stopCh:   make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	return r
}

// Get は既存のランタイムを返す。存在しなければ生成し、セッション復元をバックグラウンドで開始する。
// 復元が終わるまでの間、Session StoreはIsLoading=trueを返す。
func (r *Registry) Get(ctx context.Context, clientID string) *Runtime {
	now := r.now()

	r.mu.Lock()
	if rt, ok := r.runtimes[clientID]; ok {
		r.mu.Unlock()
		rt.Touch(now)
		return rt
	}
	rt := r.build(clientID, now)
	r.runtimes[clientID] = rt
	n := len(r.runtimes)
	r.wg.Add(1)
	r.mu.Unlock()

	r.reportActive(n)
	r.logger.Debug("client runtime created", slog.String("client_id", clientID))

	go r.restore(rt)
	return rt
}

// Lookup は既存のランタイムを返す。生成はしない。
func (r *Registry) Lookup(clientID string) (*Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[clientID]
	return rt, ok
}

func (r *Registry) build(clientID string, now time.Time) *Runtime {
	logger := r.logger.With(slog.String("client_id", clientID))
	local := r.config.Storage.ForClient(clientID)
	nav := navigation.NewNavigator()

	var recorder session.Recorder
	if r.config.Metrics != nil {
		recorder = r.config.Metrics
	}

	ident := identity.NewClient(r.config.API, local, logger)
	store := session.NewStore(ident, local, nav, session.Options{
		Logger:    logger,
		LoginPath: navigation.PathLogin,
		Recorder:  recorder,
	})
	monitor := idle.NewMonitor(store, idle.Config{
		Timeout: r.config.IdleTimeout,
		Signals: r.config.IdleSignals,
		Clock:   r.config.Clock,
		Logger:  logger,
	})
	monitor.Attach(store)

	return &Runtime{
		ID:        clientID,
		Identity:  ident,
		Store:     store,
		Monitor:   monitor,
		Profiles:  profile.NewResolver(r.config.Profiles, local, store, r.config.Sanitizer, logger),
		Navigator: nav,
		restored:  make(chan struct{}),
		lastUsed:  now,
	}
}

func (r *Registry) restore(rt *Runtime) {
	defer r.wg.Done()
	defer close(rt.restored)

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if err := rt.Store.Restore(ctx); err != nil {
		r.logger.Warn("session restore failed",
			slog.String("client_id", rt.ID),
			slog.String("error", err.Error()),
		)
	}
}

// RevokeUser は指定ユーザーで認証中の全ランタイムを失効させ、件数を返す。
func (r *Registry) RevokeUser(ctx context.Context, userID string) int {
	r.mu.Lock()
	targets := make([]*Runtime, 0)
	for _, rt := range r.runtimes {
		if rt.State().UserID() == userID {
			targets = append(targets, rt)
		}
	}
	r.mu.Unlock()

	for _, rt := range targets {
		rt.Identity.Revoke(ctx)
	}
	if r.config.Metrics != nil && len(targets) > 0 {
		r.config.Metrics.RecordRevocations(len(targets))
	}
	return len(targets)
}

// Evict は指定クライアントのランタイムを破棄する。
func (r *Registry) Evict(clientID string) {
	r.mu.Lock()
	rt, ok := r.runtimes[clientID]
	if ok {
		delete(r.runtimes, clientID)
	}
	n := len(r.runtimes)
	r.mu.Unlock()

	if ok {
		rt.Close()
		r.reportActive(n)
	}
}

// EvictIdle は最終利用からTTLを超えたランタイムを破棄し、件数を返す。
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.config.TTL)

	r.mu.Lock()
	var stale []*Runtime
	for id, rt := range r.runtimes {
		if rt.LastUsed().Before(cutoff) {
			stale = append(stale, rt)
			delete(r.runtimes, id)
		}
	}
	n := len(r.runtimes)
	r.mu.Unlock()

	for _, rt := range stale {
		rt.Close()
	}
	if len(stale) > 0 {
		r.reportActive(n)
		r.logger.Info("idle client runtimes evicted", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// Len は保持しているランタイム数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runtimes)
}

// cleanupLoop はバックグラウンドで未使用のランタイムを定期的に破棄する。
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdle()
		case <-r.stopCh:
			return
		}
	}
}

// Close は破棄処理を停止し、全ランタイムを破棄する。
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.stopCh)
	})

	r.mu.Lock()
	all := make([]*Runtime, 0, len(r.runtimes))
	for id, rt := range r.runtimes {
		all = append(all, rt)
		delete(r.runtimes, id)
	}
	r.mu.Unlock()

	for _, rt := range all {
		rt.Close()
	}
	r.reportActive(0)
	r.wg.Wait()
}

func (r *Registry) reportActive(n int) {
	if r.config.Metrics != nil {
		r.config.Metrics.SetActiveClients(n)
	}
}
