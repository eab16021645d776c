package httpworker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

func input() stage.Input {
	return stage.Input{
		Items:      []workitem.Item{{RowIndex: 2, Title: "Video", Theme: "science"}},
		RunContext: stage.RunContext{RunID: "run-1", SpreadsheetID: "sheet", Stage: "GenerateScript", Attempt: 1},
	}
}

func newWorker(t *testing.T, handler http.HandlerFunc) *Worker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	w, err := New("GenerateScript", Options{BaseURL: srv.URL + "/stages", Token: "tok", Client: srv.Client()})
	require.NoError(t, err)
	return w
}

func TestInvokePostsBatchPayload(t *testing.T) {
	var gotPath, gotAuth string
	var sent stage.Input
	w := newWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		_, _ = rw.Write([]byte(`{"items":[{"rowIndex":2,"script":"hello"}]}`))
	})

	out, err := w.Invoke(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "/stages/generatescript", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "run-1", sent.RunContext.RunID)
	require.Len(t, sent.Items, 1)
	assert.Equal(t, 2, sent.Items[0].RowIndex)

	assert.Equal(t, http.StatusOK, out.StatusCode)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "hello", out.Items[0].Script)
}

func TestInvokeClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			w := newWorker(t, func(rw http.ResponseWriter, _ *http.Request) {
				rw.Header().Set("Retry-After", "7")
				rw.WriteHeader(tc.status)
				_, _ = rw.Write([]byte("  upstream\n  said no  "))
			})
			_, err := w.Invoke(context.Background(), input())
			require.Error(t, err)
			assert.Equal(t, tc.transient, errors.Is(err, services.ErrTransient))
			assert.Equal(t, !tc.transient, errors.Is(err, services.ErrPermanent))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tc.status, statusErr.StatusCode)
			assert.Equal(t, 7*time.Second, statusErr.RetryAfter)
			assert.Contains(t, statusErr.Error(), "upstream said no")
		})
	}
}

func TestInvokeReturnsItemFailuresFromErrorStatus(t *testing.T) {
	w := newWorker(t, func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = rw.Write([]byte(`{"items":[{"rowIndex":2,"script":"ok"}],"failures":[{"rowIndex":3,"error":"bad theme"}]}`))
	})
	out, err := w.Invoke(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, out.StatusCode)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 3, out.Failures[0].RowIndex)
}

func TestInvokeRejectsInvalidPayload(t *testing.T) {
	w := newWorker(t, func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("<html>oops</html>"))
	})
	_, err := w.Invoke(context.Background(), input())
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrPermanent)
}

func TestInvokeTreatsNetworkErrorsAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	w, err := New("GenerateScript", Options{BaseURL: base})
	require.NoError(t, err)
	_, err = w.Invoke(context.Background(), input())
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrTransient)
}

func TestHealthCheck(t *testing.T) {
	healthy := newWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stages/generatescript/health", r.URL.Path)
		rw.WriteHeader(http.StatusNoContent)
	})
	ok := healthy.HealthCheck(context.Background())
	assert.True(t, ok.Ready)
	assert.True(t, strings.HasSuffix(ok.Target, "/stages/generatescript/health"))
	assert.Contains(t, ok.String(), "ok in")

	broken := newWorker(t, func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "down for maintenance", http.StatusServiceUnavailable)
	})
	health := broken.HealthCheck(context.Background())
	assert.False(t, health.Ready)
	assert.Equal(t, "GenerateScript", health.Stage)
	assert.Contains(t, health.Detail, "down for maintenance")
	assert.Contains(t, health.String(), "/stages/generatescript/health: http 503")
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("GenerateScript", Options{})
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	delay, ok := parseRetryAfter("3")
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	_, ok = parseRetryAfter("-1")
	assert.False(t, ok)
	_, ok = parseRetryAfter("")
	assert.False(t, ok)

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	delay, ok = parseRetryAfter(future)
	assert.True(t, ok)
	assert.Greater(t, delay, 50*time.Minute)
}

func TestSummarizeBodyTruncates(t *testing.T) {
	assert.Equal(t, "<empty>", summarizeBody("   "))
	long := strings.Repeat("x", 200)
	summary := summarizeBody(long)
	assert.True(t, strings.HasSuffix(summary, "..."))
	assert.Len(t, summary, 163)
}
