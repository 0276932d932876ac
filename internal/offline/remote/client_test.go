package remote

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/testutil"
)

func newTestClient(t *testing.T, api *testutil.FakeAPI, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: api.URL(), Token: "secret", Timeout: timeout})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestClientVerbs(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewFakeAPI(t)
	api.RequireToken("secret")
	c := newTestClient(t, api, time.Second)

	result := &schema.AssessmentResult{ID: "a1", Score: 25, LastModified: 100}
	if err := c.Create(ctx, result); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if api.Count(http.MethodPost, "/api/assessmentResults") != 1 {
		t.Errorf("expected POST /api/assessmentResults, got %+v", api.Requests())
	}

	result.Score = 27
	if err := c.Update(ctx, result); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if api.Count(http.MethodPut, "/api/assessmentResults/a1") != 1 {
		t.Errorf("expected PUT /api/assessmentResults/a1, got %+v", api.Requests())
	}

	got, err := c.Fetch(ctx, schema.TypeAssessmentResult, "a1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got.(*schema.AssessmentResult).Score != 27 {
		t.Errorf("expected score 27, got %d", got.(*schema.AssessmentResult).Score)
	}

	if err := c.Delete(ctx, schema.TypeAssessmentResult, "a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, err = c.Fetch(ctx, schema.TypeAssessmentResult, "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("404 must not be retryable")
	}

	for _, r := range api.Requests() {
		if r.Auth != "Bearer secret" {
			t.Errorf("%s %s sent without bearer token", r.Method, r.Path)
		}
	}
}

func TestClientErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("server error is retryable", func(t *testing.T) {
		api := testutil.NewFakeAPI(t)
		api.Fail(http.MethodPost, "/api/settings", http.StatusInternalServerError, 1)
		c := newTestClient(t, api, time.Second)

		err := c.Create(ctx, &schema.Setting{ID: "theme"})
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
			t.Fatalf("expected StatusError 500, got %v", err)
		}
		if !IsRetryable(err) {
			t.Error("500 must be retryable")
		}
	})

	t.Run("validation error is not retryable", func(t *testing.T) {
		api := testutil.NewFakeAPI(t)
		api.Fail(http.MethodPut, "/api/settings", http.StatusUnprocessableEntity, 1)
		c := newTestClient(t, api, time.Second)

		err := c.Update(ctx, &schema.Setting{ID: "theme"})
		if err == nil || IsRetryable(err) {
			t.Errorf("expected non-retryable error, got %v", err)
		}
	})

	t.Run("dropped connection is a network error", func(t *testing.T) {
		api := testutil.NewFakeAPI(t)
		api.SetDown(true)
		c := newTestClient(t, api, time.Second)

		err := c.Delete(ctx, schema.TypeSetting, "theme")
		if !errors.Is(err, ErrNetwork) {
			t.Errorf("expected ErrNetwork, got %v", err)
		}
		if !IsNetwork(err) || !IsRetryable(err) {
			t.Error("network errors must be retryable")
		}
	})

	t.Run("slow response times out", func(t *testing.T) {
		api := testutil.NewFakeAPI(t)
		api.SetDelay(500 * time.Millisecond)
		c := newTestClient(t, api, 50*time.Millisecond)

		_, err := c.Fetch(ctx, schema.TypeSetting, "theme")
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
		if !IsRetryable(err) {
			t.Error("timeouts must be retryable")
		}
	})
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.org", "://bad"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestPing(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newTestClient(t, api, time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	api.SetDown(true)
	if err := c.Ping(context.Background()); !IsNetwork(err) {
		t.Errorf("expected network error, got %v", err)
	}
}
