package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newCSRFHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	mw := NewCSRFMiddleware(CSRFConfig{})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := newCSRFHandler(t, &called)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/login", nil))

			if !called {
				t.Fatalf("handler should have been called for %s request", method)
			}
		})
	}
}

func TestCSRFMiddleware_GETRequest_SetsCookieAndContextToken(t *testing.T) {
	var ctxToken string
	mw := NewCSRFMiddleware(CSRFConfig{CookieDomain: "example.com"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxToken = CSRFTokenFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected csrf_token cookie to be set")
	}
	if cookie.HttpOnly {
		t.Error("csrf_token cookie must be readable by scripts")
	}
	if cookie.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", cookie.Domain)
	}
	if ctxToken == "" || ctxToken != cookie.Value {
		t.Errorf("context token = %q, want the issued cookie value", ctxToken)
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	var ctxToken string
	mw := NewCSRFMiddleware(CSRFConfig{})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxToken = CSRFTokenFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("existing cookie should not be replaced")
	}
	if ctxToken != "existing" {
		t.Errorf("context token = %q, want existing", ctxToken)
	}
}

func TestCSRFMiddleware_POST_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		form   string
	}{
		{name: "no cookie", header: "token-abc"},
		{name: "no submitted token", cookie: "token-abc"},
		{name: "header mismatch", cookie: "token-abc", header: "wrong"},
		{name: "form mismatch", cookie: "token-abc", form: "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := newCSRFHandler(t, &called)

			var body *strings.Reader
			if tt.form != "" {
				body = strings.NewReader(url.Values{CSRFFormField: {tt.form}}.Encode())
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(http.MethodPost, "/logout", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called {
				t.Error("handler should not be called")
			}
			if w.Result().StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
			}
		})
	}
}

func TestCSRFMiddleware_POST_ValidHeaderToken(t *testing.T) {
	called := false
	handler := newCSRFHandler(t, &called)

	req := httptest.NewRequest(http.MethodPost, "/api/activity", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "token-abc"})
	req.Header.Set(csrfHeaderName, "token-abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called || w.Result().StatusCode != http.StatusOK {
		t.Errorf("valid header token should pass, status = %d", w.Result().StatusCode)
	}
}

func TestCSRFMiddleware_POST_ValidFormToken(t *testing.T) {
	var email string
	mw := NewCSRFMiddleware(CSRFConfig{})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email = r.PostFormValue("email")
	}))

	form := url.Values{CSRFFormField: {"token-abc"}, "email": {"a@example.com"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "token-abc"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if email != "a@example.com" {
		t.Errorf("form values should remain readable downstream, email = %q", email)
	}
}

func TestCSRFTokenHandler_ReturnsContextToken(t *testing.T) {
	h := NewCSRFMiddleware(CSRFConfig{})(NewCSRFTokenHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want existing-csrf-token", body.Token)
	}
}

func TestCSRFTokenHandler_WithoutMiddleware_Returns500(t *testing.T) {
	w := httptest.NewRecorder()
	NewCSRFTokenHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}
