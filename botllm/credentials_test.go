package botllm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModelClient fails for keys listed in failing, and otherwise
// returns a reply identifying which key served the request.
type stubModelClient struct {
	apiKey  string
	failing map[string]error

	mu    sync.Mutex
	calls int
}

func (s *stubModelClient) CreateChatCompletion(
	_ context.Context,
	_ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err, ok := s.failing[s.apiKey]; ok {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Content: fmt.Sprintf("served by %s", s.apiKey),
				},
			},
		},
	}, nil
}

func newTestPool(
	t testing.TB,
	keys []string,
	failing map[string]error,
) (*CredentialPool, *SettingsStore) {
	t.Helper()

	store := newTestStore(t)
	for _, k := range keys {
		_, err := store.AddKey(k)
		require.NoError(t, err)
	}

	pool := NewCredentialPool(store, "", 1000, nil, nil)
	pool.newClient = func(apiKey string) ModelClient {
		return &stubModelClient{apiKey: apiKey, failing: failing}
	}
	return pool, store
}

func testModelRequest() ModelRequest {
	return ModelRequest{Turns: []Turn{textTurn(TurnRoleUser, "hello")}}
}

func TestDispatchRoundRobin(t *testing.T) {
	pool, _ := newTestPool(t, []string{"key-a", "key-b"}, nil)
	ctx := context.Background()

	reply, err := pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	assert.Equal(t, "served by key-a", reply.Text)
	assert.Equal(t, 1, pool.Cursor())

	reply, err = pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	assert.Equal(t, "served by key-b", reply.Text)
	assert.Equal(t, 0, pool.Cursor())
}

// With keys [A, B] and A failing, the request succeeds via B and the
// cursor lands on 0 (one past B, wrapped), not 1.
func TestDispatchFailoverCursor(t *testing.T) {
	pool, _ := newTestPool(
		t,
		[]string{"key-a", "key-b"},
		map[string]error{"key-a": errors.New("quota exceeded")},
	)

	reply, err := pool.Dispatch(context.Background(), testModelRequest())
	require.NoError(t, err)
	assert.Equal(t, "served by key-b", reply.Text)
	assert.Equal(t, 0, pool.Cursor())
}

func TestDispatchNoKeys(t *testing.T) {
	pool, _ := newTestPool(t, nil, nil)
	_, err := pool.Dispatch(context.Background(), testModelRequest())
	require.ErrorIs(t, err, ErrNoCredentialsConfigured)
	assert.Equal(t, 0, pool.Cursor())
}

func TestDispatchAllKeysFail(t *testing.T) {
	lastErr := errors.New("server error")
	pool, _ := newTestPool(
		t,
		[]string{"key-a", "key-b", "key-c"},
		map[string]error{
			"key-a": errors.New("quota exceeded"),
			"key-b": errors.New("bad key"),
			"key-c": lastErr,
		},
	)

	_, err := pool.Dispatch(context.Background(), testModelRequest())
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, lastErr)
}

func TestDispatchFailureEvictsClient(t *testing.T) {
	pool, _ := newTestPool(
		t,
		[]string{"key-a", "key-b"},
		map[string]error{"key-a": errors.New("expired")},
	)

	_, err := pool.Dispatch(context.Background(), testModelRequest())
	require.NoError(t, err)

	// key-a's client was evicted after the failure; key-b's survives
	_, cached := pool.clients.Get("key-a")
	assert.False(t, cached)
	_, cached = pool.clients.Get("key-b")
	assert.True(t, cached)
}

func TestSyncCursorAfterKeyRemoval(t *testing.T) {
	pool, store := newTestPool(t, []string{"key-a", "key-b", "key-c"}, nil)
	ctx := context.Background()

	// advance the cursor to 2
	_, err := pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	_, err = pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	require.Equal(t, 2, pool.Cursor())

	_, _, err = store.RemoveKeyAt(2)
	require.NoError(t, err)
	pool.SyncCursor()
	assert.Equal(t, 0, pool.Cursor())

	// next dispatch uses a valid index
	reply, err := pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	assert.Equal(t, "served by key-a", reply.Text)
}

func TestCursorNeverOutOfRange(t *testing.T) {
	pool, store := newTestPool(t, []string{"key-a", "key-b", "key-c"}, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := pool.Dispatch(ctx, testModelRequest())
		require.NoError(t, err)
		keyCount := len(store.APIKeys())
		cursor := pool.Cursor()
		assert.GreaterOrEqual(t, cursor, 0)
		assert.Less(t, cursor, keyCount)
	}
}

func TestClientCacheReuse(t *testing.T) {
	pool, _ := newTestPool(t, []string{"key-a"}, nil)
	ctx := context.Background()

	_, err := pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)

	cached, ok := pool.clients.Get("key-a")
	require.True(t, ok)
	stub := cached.(*stubModelClient)

	_, err = pool.Dispatch(ctx, testModelRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}
