package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dsac-scz/citizen-console/internal/auth"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

type roles map[string]model.Role

func (r roles) Role(_ context.Context, id string) (model.Role, error) {
	role, ok := r[id]
	if !ok {
		return "", fmt.Errorf("agent %s: %w", id, service.ErrNotFound)
	}
	return role, nil
}

type failingRoles struct{}

func (failingRoles) Role(context.Context, string) (model.Role, error) {
	return "", errors.New("nats: timeout")
}

func echoAgent(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetAgentID(r.Context()) + "|" + string(GetRole(r.Context()))))
}

func TestAuth(t *testing.T) {
	verifier := auth.NewJWTVerifier("secret")
	token, err := verifier.Issue("agent-1", "a@dsac.bo", time.Hour)
	require.NoError(t, err)
	h := Auth(verifier)(http.HandlerFunc(echoAgent))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"Malformed", "Token abc", http.StatusUnauthorized},
		{"EmptyBearer", "Bearer ", http.StatusUnauthorized},
		{"Invalid", "Bearer not-a-jwt", http.StatusForbidden},
		{"Valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "agent-1|", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	lookup := roles{"boss": model.RoleAdmin, "op": model.RoleAgent}
	h := RequireRole(lookup, model.RoleAdmin, model.RoleSupervisor)(http.HandlerFunc(echoAgent))

	serve := func(agentID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if agentID != "" {
			req = req.WithContext(WithIdentity(req.Context(), &auth.Identity{UID: agentID}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("boss")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boss|ADMIN", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, serve("op").Code)
	assert.Equal(t, http.StatusForbidden, serve("ghost").Code)
	assert.Equal(t, http.StatusUnauthorized, serve("").Code)

	t.Run("LookupFailure", func(t *testing.T) {
		h := RequireRole(failingRoles{}, model.RoleAdmin)(http.HandlerFunc(echoAgent))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), &auth.Identity{UID: "boss"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"error"`)
	})
}

func TestLogging(t *testing.T) {
	verifier := auth.NewJWTVerifier("secret")
	token, err := verifier.Issue("agent-1", "a@dsac.bo", time.Hour)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.With(Auth(verifier)).Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetCorrelationID(r.Context()))
		assert.NotNil(t, GetLogger(r.Context(), nil))
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/items/2", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestRequestLoggerCarriesAgent(t *testing.T) {
	verifier := auth.NewJWTVerifier("secret")
	token, err := verifier.Issue("agent-7", "a@dsac.bo", time.Hour)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	h := Logging(&logger.Logger{Logger: zap.New(core)})(Auth(verifier)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			GetLogger(r.Context(), nil).Info("inside")
		})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", "corr-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	inside := logs.FilterMessage("inside").All()
	require.Len(t, inside, 1)
	fields := inside[0].ContextMap()
	assert.Equal(t, "corr-7", fields["correlation_id"])
	assert.Equal(t, "agent-7", fields["agent_id"])

	done := logs.FilterMessage("request completed").All()
	require.Len(t, done, 1)
	assert.Equal(t, "agent-7", done[0].ContextMap()["agent_id"])
}

func TestLoggingKeepsFlusher(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestIPRateLimit(t *testing.T) {
	h := IPRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/public/v1/webchat", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	req := httptest.NewRequest(http.MethodPost, "/public/v1/webchat", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentRateLimit(t *testing.T) {
	h := AgentRateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serve := func(agentID string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req = req.WithContext(WithIdentity(req.Context(), &auth.Identity{UID: agentID}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, serve("a"))
	assert.Equal(t, http.StatusOK, serve("b"))
	assert.Equal(t, http.StatusTooManyRequests, serve("a"))
}

func TestDecodeJSON(t *testing.T) {
	var ok model.StartWebChatRequest
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ana","phone":"70011122"}`))
	require.NoError(t, DecodeJSON(req, &ok))
	assert.Equal(t, "Ana", ok.Name)

	var missing model.StartWebChatRequest
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ana"}`))
	err := DecodeJSON(req, &missing)
	assert.ErrorIs(t, err, ErrInvalidBody)
	assert.Contains(t, err.Error(), "phone failed required")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.ErrorIs(t, DecodeJSON(req, &missing), ErrInvalidBody)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
