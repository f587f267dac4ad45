package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ifuryst/ripple-publish/internal/service/adapter"
)

func newRequest() *adapter.Request {
	return &adapter.Request{
		TaskID:      7,
		TenantID:    "tenant-1",
		PlatformID:  "blog",
		AccountID:   3,
		Title:       "Hello",
		Content:     "Body",
		DedupeToken: "task-7",
		Attempt:     1,
	}
}

func TestPublishSuccess(t *testing.T) {
	var got adapter.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "task-7", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"post-1","url":"https://blog.example/post-1"}`))
	}))
	defer srv.Close()

	p := New(Config{Platform: "blog", Endpoint: srv.URL, Token: "secret"}, zaptest.NewLogger(t))
	out, err := p.Publish(context.Background(), newRequest())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "post-1", out.ArtifactRef)
	assert.Equal(t, "https://blog.example/post-1", out.URL)
	assert.Equal(t, "Hello", got.Title)
	assert.Equal(t, uint(7), got.TaskID)
}

func TestPublishErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		fatal     bool
		transient bool
		outcome   bool
	}{
		{"client error is fatal", http.StatusUnprocessableEntity, true, false, false},
		{"throttling is transient", http.StatusTooManyRequests, false, true, false},
		{"server error is a failed outcome", http.StatusBadGateway, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			p := New(Config{Platform: "blog", Endpoint: srv.URL}, zaptest.NewLogger(t))
			out, err := p.Publish(context.Background(), newRequest())

			if tt.outcome {
				require.NoError(t, err)
				assert.False(t, out.Success)
				assert.Contains(t, out.ErrorMessage, "nope")
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.fatal, adapter.IsFatal(err))
		})
	}
}

func TestPublishRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := New(Config{Platform: "blog", Endpoint: srv.URL}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Publish(ctx, newRequest())
	require.Error(t, err)
	assert.False(t, adapter.IsFatal(err))
}

func TestPublishPacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	// One request per minute: the second call must wait and so hits the deadline.
	p := New(Config{Platform: "blog", Endpoint: srv.URL, RatePerMinute: 1}, zaptest.NewLogger(t))
	_, err := p.Publish(context.Background(), newRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Publish(ctx, newRequest())
	assert.Error(t, err)
}
