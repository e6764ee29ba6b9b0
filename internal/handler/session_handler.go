package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/laptopinv/internal/client"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/permission"
)

// maxActivityBodyBytes はアクティビティ通知のリクエストボディの上限。
const maxActivityBodyBytes = 1 << 10

// SessionResponse はGET /api/sessionのレスポンス。
type SessionResponse struct {
	IsLoading       bool            `json:"isLoading"`
	IsAuthenticated bool            `json:"isAuthenticated"`
	User            *model.Identity `json:"user"`
	Profile         *model.Profile  `json:"profile,omitempty"`
	Permissions     *permission.Set `json:"permissions,omitempty"`
	IdleDeadline    *time.Time      `json:"idleDeadline,omitempty"`
	Redirect        *RedirectInfo   `json:"redirect,omitempty"`
}

// RedirectInfo は保留中のリダイレクト。
type RedirectInfo struct {
	Location string `json:"location"`
	Reason   string `json:"reason,omitempty"`
}

// activityRequest はPOST /api/activityのリクエストボディ。
type activityRequest struct {
	Signal string `json:"signal"`
}

// SessionHandler はセッション状態とユーザー操作通知のHTTPハンドラー。
type SessionHandler struct{}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

// Session は現在のセッション状態を返す。
// GET /api/session
// 保留中のリダイレクトは消費せずに返す。
func (h *SessionHandler) Session(w http.ResponseWriter, r *http.Request) {
	rt, ok := client.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	state := rt.State()
	resp := SessionResponse{
		IsLoading:       state.IsLoading,
		IsAuthenticated: state.IsAuthenticated,
		User:            state.Identity,
	}

	if !state.IsLoading && state.IsAuthenticated {
		p := rt.Profiles.Current(r.Context(), *state.Identity)
		perms := permission.For(p)
		resp.Profile = &p
		resp.Permissions = &perms
		if deadline, ok := rt.Monitor.Deadline(); ok {
			resp.IdleDeadline = &deadline
		}
	}

	if pending, ok := rt.Navigator.Pending(); ok {
		resp.Redirect = &RedirectInfo{
			Location: pending.URL(),
			Reason:   string(pending.Reason),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Activity はブラウザで発生したユーザー操作を無操作監視に通知する。
// POST /api/activity {"signal":"click"}
// 成功時は204、未認証は401、監視対象外のシグナルは400を返す。
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	rt, ok := client.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	state := rt.State()
	if state.IsLoading || !state.IsAuthenticated {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req activityRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxActivityBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSignalError(""))
		return
	}

	signal := idle.Signal(req.Signal)
	if !rt.Monitor.Accepts(signal) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSignalError(req.Signal))
		return
	}

	rt.Monitor.Activity(signal)
	w.WriteHeader(http.StatusNoContent)
}
