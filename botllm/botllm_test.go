package botllm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPersistFailingBot returns a bot whose settings file points at a
// directory, so every durable settings write fails while the in-memory
// state still updates.
func newPersistFailingBot(t testing.TB) *BotLLM {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.SettingsFile = t.TempDir()
	bot, err := New(cfg)
	require.NoError(t, err)
	return bot
}

func TestUpdateGlobalSettingsPersistFailureClearsCooldowns(t *testing.T) {
	bot := newPersistFailingBot(t)

	require.True(
		t,
		bot.limiter.TryAdmit("user-1", time.Now(), 10*time.Second).Allowed,
	)

	_, err := bot.UpdateGlobalSettings(
		context.Background(),
		GlobalSettingsUpdate{RateLimitMs: uintPointer(2000)},
	)
	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)

	// the interval changed in memory, so the ledger must have been
	// cleared even though the durable write failed
	assert.Equal(
		t,
		2*time.Second,
		bot.store.EffectiveSettings("").RateLimit,
	)
	assert.True(
		t,
		bot.limiter.TryAdmit("user-1", time.Now(), 10*time.Second).Allowed,
	)
}

func TestUpdateGlobalSettingsPersistFailureChatDisableClearsCooldowns(
	t *testing.T,
) {
	bot := newPersistFailingBot(t)

	require.True(
		t,
		bot.limiter.TryAdmit("user-1", time.Now(), 10*time.Second).Allowed,
	)

	_, err := bot.UpdateGlobalSettings(
		context.Background(),
		GlobalSettingsUpdate{ChatEnabled: boolPointer(false)},
	)
	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)

	assert.False(t, bot.store.Global().ChatEnabled)
	assert.True(
		t,
		bot.limiter.TryAdmit("user-1", time.Now(), 10*time.Second).Allowed,
	)
}

func TestRemoveAPIKeyPersistFailureEvictsClient(t *testing.T) {
	bot := newPersistFailingBot(t)

	var persistErr *PersistenceError
	_, err := bot.AddAPIKey("key-a")
	require.ErrorAs(t, err, &persistErr)
	_, err = bot.AddAPIKey("key-b")
	require.ErrorAs(t, err, &persistErr)
	require.Equal(t, []string{"key-a", "key-b"}, bot.store.APIKeys())

	// populate the client cache as a dispatch would
	bot.pool.clientFor("key-a")
	_, cached := bot.pool.clients.Get("key-a")
	require.True(t, cached)

	updated, removed, err := bot.RemoveAPIKey(0)
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "key-a", removed)
	assert.Equal(t, []string{"key-b"}, updated.APIKeys)

	// the removed key's handle is evicted and the cursor re-synced even
	// though the durable write failed
	_, cached = bot.pool.clients.Get("key-a")
	assert.False(t, cached)
	assert.Less(t, bot.pool.Cursor(), len(bot.store.APIKeys()))
}

func TestRemoveAPIKeyOutOfRangeSkipsReconciliation(t *testing.T) {
	bot := newPersistFailingBot(t)

	_, _, err := bot.RemoveAPIKey(5)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}
