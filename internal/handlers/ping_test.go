package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imhub/internal/healthcheck"
)

func TestPing(t *testing.T) {
	t.Parallel()

	e := echo.New()
	NewPingHandler(nil, nil).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_ReportsFailingDependency(t *testing.T) {
	t.Parallel()

	e := echo.New()
	NewPingHandler(nil, map[string]healthcheck.Checker{
		"postgres": healthcheck.CheckerFunc(func(context.Context) error { return nil }),
		"redis":    healthcheck.CheckerFunc(func(context.Context) error { return errors.New("dial tcp: refused") }),
	}).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string                    `json:"status"`
		Checks []healthcheck.CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "postgres", body.Checks[0].Name)
	assert.Equal(t, healthcheck.StatusOK, body.Checks[0].Status)
	assert.Equal(t, healthcheck.StatusError, body.Checks[1].Status)
}
