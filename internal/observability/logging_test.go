package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestWrappedHandlerAddsRequestFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(WrapSlogHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithRequestMetadata(context.Background(), "req-123", "/api/v1/tenants/:tenant/runs")
	logger.InfoContext(ctx, "run created")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-123") {
		t.Fatalf("request id missing from log line: %s", out)
	}
	if !strings.Contains(out, "route=/api/v1/tenants/:tenant/runs") {
		t.Fatalf("route missing from log line: %s", out)
	}
}

func TestRequestIDMiddlewareGeneratesAndEchoesID(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(RequestIDMiddleware())
	e.GET("/ping", func(c echo.Context) error {
		if _, ok := RequestIDFromContext(c.Request().Context()); !ok {
			t.Error("request id not attached to context")
		}
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("generated request id not echoed back")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "caller-supplied")
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderXRequestID); got != "caller-supplied" {
		t.Fatalf("caller-supplied id not preserved, got %q", got)
	}
}
