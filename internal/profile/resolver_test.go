package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/permission"
	"github.com/hitoshi/laptopinv/internal/security"
	"github.com/hitoshi/laptopinv/internal/storage"
)

// --- モック定義 ---

type mockProfileRepo struct {
	getByIDFn    func(ctx context.Context, id string) (*model.Profile, error)
	getByEmailFn func(ctx context.Context, email string) (*model.Profile, error)

	byIDCalls    int
	byEmailCalls int
}

func (m *mockProfileRepo) GetProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	m.byIDCalls++
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfileRepo) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	m.byEmailCalls++
	if m.getByEmailFn != nil {
		return m.getByEmailFn(ctx, email)
	}
	return nil, nil
}

type mockGate struct {
	current string
	calls   int
}

func (m *mockGate) WriteIfCurrent(userID string, fn func() error) (bool, error) {
	m.calls++
	if userID != m.current {
		return false, nil
	}
	return true, fn()
}

var alice = model.Identity{ID: "u-1", Email: "alice@example.com"}

func newTestResolver(repo *mockProfileRepo) (*Resolver, *storage.Memory) {
	local := storage.NewMemory()
	return NewResolver(repo, local, nil, security.NewTextSanitizer(), nil), local
}

func TestResolver_Resolve_ByID(t *testing.T) {
	repo := &mockProfileRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
			return &model.Profile{UserID: id, Email: "alice@example.com", DisplayName: "<b>Alice</b>", Role: model.RoleAdmin}, nil
		},
	}
	r, _ := newTestResolver(repo)

	p, err := r.Resolve(context.Background(), alice)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Role != model.RoleAdmin || p.DisplayName != "Alice" {
		t.Errorf("unexpected profile: %+v", p)
	}
	if repo.byEmailCalls != 0 {
		t.Error("email lookup should not run when the id lookup succeeds")
	}
}

func TestResolver_Resolve_FallsBackToEmail(t *testing.T) {
	repo := &mockProfileRepo{
		getByEmailFn: func(_ context.Context, email string) (*model.Profile, error) {
			if email != "alice@example.com" {
				t.Errorf("email = %q", email)
			}
			return &model.Profile{UserID: "legacy-9", Email: email, Role: model.RoleStaff}, nil
		},
	}
	r, _ := newTestResolver(repo)

	p, err := r.Resolve(context.Background(), alice)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.UserID != "u-1" {
		t.Errorf("UserID = %q, want the identity id", p.UserID)
	}
	if p.Role != model.RoleStaff || p.DisplayName != DefaultDisplayName {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestResolver_Resolve_NotFound(t *testing.T) {
	r, _ := newTestResolver(&mockProfileRepo{})
	if _, err := r.Resolve(context.Background(), alice); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("err = %v, want ErrProfileNotFound", err)
	}
}

func TestResolver_Resolve_NoEmailSkipsFallback(t *testing.T) {
	repo := &mockProfileRepo{}
	r, _ := newTestResolver(repo)
	_, _ = r.Resolve(context.Background(), model.Identity{ID: "u-1"})
	if repo.byEmailCalls != 0 {
		t.Error("email lookup should be skipped without an email")
	}
}

func TestResolver_Current_UsesCachedRole(t *testing.T) {
	repo := &mockProfileRepo{}
	r, local := newTestResolver(repo)
	_ = storage.SaveProfile(context.Background(), local, model.Profile{UserID: "u-1", Role: model.RoleStaff})

	p := r.Current(context.Background(), alice)
	if p.Role != model.RoleStaff {
		t.Errorf("Role = %q, want Staff", p.Role)
	}
	if repo.byIDCalls != 0 {
		t.Error("cached profile with a role should not trigger a lookup")
	}
}

func TestResolver_Current_MissingRoleTriggersLookup(t *testing.T) {
	repo := &mockProfileRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
			return &model.Profile{UserID: id, DisplayName: "Alice", Role: model.RoleAdmin}, nil
		},
	}
	r, local := newTestResolver(repo)
	ctx := context.Background()
	_ = storage.SaveProfile(ctx, local, model.Anonymous(alice))

	p := r.Current(ctx, alice)
	if p.Role != model.RoleAdmin {
		t.Errorf("Role = %q, want Admin", p.Role)
	}
	if repo.byIDCalls != 1 {
		t.Errorf("id lookups = %d, want 1", repo.byIDCalls)
	}

	cached, _ := storage.LoadProfile(ctx, local)
	if cached == nil || cached.Role != model.RoleAdmin || cached.DisplayName != "Alice" {
		t.Errorf("resolved profile should be written back, got %+v", cached)
	}
}

func TestResolver_Current_OtherUsersCacheIgnored(t *testing.T) {
	repo := &mockProfileRepo{}
	r, local := newTestResolver(repo)
	_ = storage.SaveProfile(context.Background(), local, model.Profile{UserID: "u-2", Role: model.RoleAdmin})

	p := r.Current(context.Background(), alice)
	if p.Role == model.RoleAdmin {
		t.Error("another user's cached role must not be used")
	}
	if repo.byIDCalls != 1 {
		t.Errorf("id lookups = %d, want 1", repo.byIDCalls)
	}
}

func TestResolver_Current_NotFoundIsUnknownAndNotCached(t *testing.T) {
	repo := &mockProfileRepo{}
	r, local := newTestResolver(repo)
	ctx := context.Background()

	p := r.Current(ctx, alice)
	if p.Role != model.RoleUnknown || p.UserID != "u-1" {
		t.Errorf("unexpected profile: %+v", p)
	}
	perms := permission.For(p)
	if perms.CanExport || perms.CanEdit {
		t.Errorf("unresolved profile must not export or edit, got %+v", perms)
	}
	if local.Len() != 0 {
		t.Error("unresolved profile should not be cached")
	}

	_ = r.Current(ctx, alice)
	if repo.byIDCalls != 2 {
		t.Errorf("id lookups = %d, want a retry on the next evaluation", repo.byIDCalls)
	}
}

func TestResolver_Current_LookupErrorFailsClosed(t *testing.T) {
	repo := &mockProfileRepo{
		getByIDFn: func(context.Context, string) (*model.Profile, error) {
			return nil, errors.New("connection refused")
		},
	}
	r, _ := newTestResolver(repo)

	p := r.Current(context.Background(), alice)
	if p.Role != model.RoleUnknown {
		t.Errorf("Role = %q, want unknown on lookup errors", p.Role)
	}
	if repo.byEmailCalls != 0 {
		t.Error("email fallback should not run after an id lookup error")
	}
}

func TestResolver_Current_OtherRoleIsCached(t *testing.T) {
	repo := &mockProfileRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
			return &model.Profile{UserID: id, DisplayName: "Alice", Role: model.RoleOther}, nil
		},
	}
	r, _ := newTestResolver(repo)
	ctx := context.Background()

	for range 3 {
		p := r.Current(ctx, alice)
		if p.Role != model.RoleOther {
			t.Fatalf("Role = %q, want Other", p.Role)
		}
		if perms := permission.For(p); perms.CanExport || perms.CanEdit {
			t.Errorf("other role must not export or edit, got %+v", perms)
		}
	}
	if repo.byIDCalls != 1 {
		t.Errorf("id lookups = %d, want 1", repo.byIDCalls)
	}
}

func TestResolver_Current_SkipsCacheWhenSessionChanged(t *testing.T) {
	tests := []struct {
		name       string
		current    string
		wantCached bool
	}{
		{"still signed in", "u-1", true},
		{"logged out", "", false},
		{"switched user", "u-2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockProfileRepo{
				getByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
					return &model.Profile{UserID: id, DisplayName: "Alice", Role: model.RoleAdmin}, nil
				},
			}
			local := storage.NewMemory()
			gate := &mockGate{current: tt.current}
			r := NewResolver(repo, local, gate, security.NewTextSanitizer(), nil)

			p := r.Current(context.Background(), alice)
			if p.Role != model.RoleAdmin {
				t.Errorf("Role = %q, the lookup result is still returned", p.Role)
			}
			if gate.calls != 1 {
				t.Errorf("gate calls = %d, want 1", gate.calls)
			}
			if cached := local.Len() != 0; cached != tt.wantCached {
				t.Errorf("cached = %v, want %v", cached, tt.wantCached)
			}
		})
	}
}
