package botllm

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// CredentialPool hides the configured API keys behind one logical model
// call, distributing load round-robin and degrading gracefully when
// individual keys fail.
//
// The rotation cursor is shared across all concurrent dispatches. Two
// simultaneous calls may observe the same starting index (duplicate load
// on one key is acceptable); the cursor is always read and advanced under
// the mutex, and normalized modulo the current key count, so it can never
// go out of range regardless of interleaving.
type CredentialPool struct {
	store  *SettingsStore
	logger *slog.Logger
	model  string

	mu     sync.Mutex
	cursor int

	// clients caches an initialized client per API key value, to avoid
	// reinitialization cost. Entries are invalidated on key removal or on
	// a failed call with that key, never on success.
	clients *cache.Cache

	// requestLimiter paces upstream calls across all dispatches.
	requestLimiter *rate.Limiter

	// newClient builds a client for one key; replaced in tests.
	newClient func(apiKey string) ModelClient
}

func NewCredentialPool(
	store *SettingsStore,
	model string,
	requestsPerSecond int,
	httpClient *http.Client,
	logger *slog.Logger,
) *CredentialPool {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultModelName
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultModelMaxRequestsPerSecond
	}
	return &CredentialPool{
		store:          store,
		logger:         logger.With(loggerNameKey, "credentials"),
		model:          model,
		clients:        cache.New(cache.NoExpiration, 0),
		requestLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		newClient: func(apiKey string) ModelClient {
			return newModelClient(apiKey, httpClient)
		},
	}
}

// clientFor returns the cached client for a key, initializing and
// caching one if absent.
func (p *CredentialPool) clientFor(apiKey string) ModelClient {
	if cached, ok := p.clients.Get(apiKey); ok {
		return cached.(ModelClient)
	}
	client := p.newClient(apiKey)
	p.clients.Set(apiKey, client, cache.NoExpiration)
	return client
}

// Invalidate evicts the cached client for a key. Called when a key is
// removed from the rotation, and after any failed call with that key, so
// a stale or poisoned handle isn't reused.
func (p *CredentialPool) Invalidate(apiKey string) {
	p.clients.Delete(apiKey)
}

// SyncCursor renormalizes the rotation cursor against the current key
// count. Must be called after the key sequence changes, so a removal
// never leaves the cursor pointing past the new end.
func (p *CredentialPool) SyncCursor() {
	keyCount := len(p.store.APIKeys())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.normalizeCursorLocked(keyCount)
}

// Cursor returns the current rotation cursor.
func (p *CredentialPool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *CredentialPool) normalizeCursorLocked(keyCount int) {
	if keyCount <= 0 {
		p.cursor = 0
		return
	}
	p.cursor %= keyCount
	if p.cursor < 0 {
		p.cursor += keyCount
	}
}

// Dispatch executes one model call, trying each configured key at most
// once, starting from the rotation cursor. The key sequence is
// snapshotted at call start: keys added or removed mid-dispatch are not
// observed. On success the cursor advances to one past the succeeding
// index. On a per-key failure, that key's cached client is evicted and
// the next candidate is tried.
//
// Returns [ErrNoCredentialsConfigured] when no keys are configured, and
// an [ExhaustedError] wrapping the last underlying failure when every
// key failed.
func (p *CredentialPool) Dispatch(
	ctx context.Context,
	req ModelRequest,
) (*ModelReply, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = p.logger
	}

	keys := p.store.APIKeys()
	if len(keys) == 0 {
		return nil, ErrNoCredentialsConfigured
	}

	p.mu.Lock()
	p.normalizeCursorLocked(len(keys))
	start := p.cursor
	p.mu.Unlock()

	payload := chatCompletionRequest(p.model, req)

	var lastErr error
	for attempt := 0; attempt < len(keys); attempt++ {
		index := (start + attempt) % len(keys)
		apiKey := keys[index]

		if err := p.requestLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := p.clientFor(apiKey).CreateChatCompletion(ctx, payload)
		if err != nil {
			log.WarnContext(
				ctx,
				"model call failed",
				tint.Err(err),
				"key", maskKey(apiKey),
				"key_index", index,
			)
			p.Invalidate(apiKey)
			lastErr = err
			continue
		}

		p.mu.Lock()
		p.cursor = (index + 1) % len(keys)
		p.mu.Unlock()

		return replyFromResponse(resp), nil
	}

	return nil, &ExhaustedError{Attempts: len(keys), Err: lastErr}
}
