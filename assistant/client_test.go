package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aosora-chat/server/cache/local"
	"github.com/aosora-chat/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func newTestClient(t *testing.T, baseURL string) (*Client, *History) {
	t.Helper()
	c, err := local.NewCache(local.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	hist := NewHistory(c, time.Hour, 10, zap.NewNop())
	return NewClient(config.AssistantConfig{
		BaseURL:  baseURL,
		Model:    "test-model",
		Timeout:  2 * time.Second,
		Fallback: "Sorry, I can't answer right now.",
	}, hist, zap.NewNop()), hist
}

func TestReplyReturnsProviderText(t *testing.T) {
	srv := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, "user", last.Role)
		assert.Equal(t, "hello", last.Content)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
		})
	})
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	reply, err := client.Reply(context.Background(), 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
}

func TestReplyIncludesPriorTurns(t *testing.T) {
	calls := 0
	srv := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if calls == 2 {
			// system + first user + first assistant + new user
			require.Len(t, req.Messages, 4)
			assert.Equal(t, "first", req.Messages[1].Content)
			assert.Equal(t, "one", req.Messages[2].Content)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "one"}},
			},
		})
	})
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Reply(context.Background(), 7, "first")
	require.NoError(t, err)
	_, err = client.Reply(context.Background(), 7, "second")
	require.NoError(t, err)
}

func TestReplyProviderError(t *testing.T) {
	srv := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	_, err := client.Reply(context.Background(), 1, "hello")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "Sorry, I can't answer right now.", client.Fallback())
}

func TestReplyEmptyPrompt(t *testing.T) {
	client, _ := newTestClient(t, "http://127.0.0.1:0")
	_, err := client.Reply(context.Background(), 1, "   ")
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestHistoryClear(t *testing.T) {
	srv := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	})
	defer srv.Close()

	client, hist := newTestClient(t, srv.URL)
	_, err := client.Reply(context.Background(), 3, "hi")
	require.NoError(t, err)

	turns, err := hist.Load(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	require.NoError(t, hist.Clear(context.Background(), 3))
	turns, err = hist.Load(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
