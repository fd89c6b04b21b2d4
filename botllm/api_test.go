package botllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiRequest(
	t testing.TB,
	bot *BotLLM,
	method string,
	path string,
	body any,
	authorized bool,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set(
			"Authorization",
			fmt.Sprintf("Bearer %s", bot.config.API.Secret),
		)
	}

	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheckNoAuth(t *testing.T) {
	bot := newTestBot(t)
	w := apiRequest(t, bot, http.MethodGet, "/api/healthz", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIUnauthorized(t *testing.T) {
	bot := newTestBot(t)

	w := apiRequest(t, bot, http.MethodGet, "/api/settings/global", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings/global", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIGetGlobalSettingsMasksKeys(t *testing.T) {
	bot := newTestBot(t)
	addTestKey(t, bot, "sk-verysecretapikey12345")

	w := apiRequest(t, bot, http.MethodGet, "/api/settings/global", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp globalSettingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.APIKeys, 1)
	assert.NotContains(t, w.Body.String(), "sk-verysecretapikey12345")
	assert.Equal(t, maskKey("sk-verysecretapikey12345"), resp.APIKeys[0])
}

func TestAPIUpdateGlobalSettings(t *testing.T) {
	bot := newTestBot(t)

	w := apiRequest(
		t,
		bot,
		http.MethodPatch,
		"/api/settings/global",
		GlobalSettingsUpdate{RateLimitMs: uintPointer(30000)},
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var resp globalSettingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint(30000), resp.RateLimitMs)
	assert.Equal(t, uint(30000), bot.store.Global().RateLimitMs)
}

// Changing the rate limit through the API clears existing cooldowns.
func TestAPIUpdateRateLimitClearsCooldowns(t *testing.T) {
	bot := newTestBot(t)
	stubBotModel(bot, nil)
	addTestKey(t, bot, "key-a")

	_, err := bot.Chat(context.Background(), testChatRequest())
	require.NoError(t, err)

	w := apiRequest(
		t,
		bot,
		http.MethodPatch,
		"/api/settings/global",
		GlobalSettingsUpdate{RateLimitMs: uintPointer(60000)},
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)

	// the user's prior admission no longer counts against them
	_, err = bot.Chat(context.Background(), testChatRequest())
	require.NoError(t, err)
}

func TestAPITenantSettings(t *testing.T) {
	bot := newTestBot(t)

	w := apiRequest(
		t,
		bot,
		http.MethodPatch,
		"/api/settings/tenants/guild-1",
		TenantSettingsUpdate{
			ChatEnabled:        boolPointer(false),
			MaxAttachmentBytes: uintPointer(4096),
		},
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var tenant TenantSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenant))
	assert.False(t, tenant.ChatEnabled)
	require.NotNil(t, tenant.MaxAttachmentBytes)
	assert.Equal(t, uint(4096), *tenant.MaxAttachmentBytes)

	w = apiRequest(
		t,
		bot,
		http.MethodGet,
		"/api/settings/tenants/guild-1",
		nil,
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenant))
	assert.False(t, tenant.ChatEnabled)
}

func TestAPIAddAndRemoveKeys(t *testing.T) {
	bot := newTestBot(t)

	w := apiRequest(
		t,
		bot,
		http.MethodPost,
		"/api/keys",
		addKeyPayload{Key: "key-alpha"},
		true,
	)
	require.Equal(t, http.StatusCreated, w.Code)

	// duplicates are rejected
	w = apiRequest(
		t,
		bot,
		http.MethodPost,
		"/api/keys",
		addKeyPayload{Key: "key-alpha"},
		true,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// missing key field fails binding
	w = apiRequest(t, bot, http.MethodPost, "/api/keys", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, "/api/keys/0", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, bot.store.APIKeys())

	// removing from an empty rotation is a 404
	w = apiRequest(t, bot, http.MethodDelete, "/api/keys/0", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, "/api/keys/abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIGetChatRecords(t *testing.T) {
	bot := newTestBot(t)
	stubBotModel(bot, nil)
	addTestKey(t, bot, "key-a")
	disableRateLimit(t, bot)

	for i := 0; i < 3; i++ {
		req := testChatRequest()
		req.UserID = fmt.Sprintf("user-%d", i)
		_, err := bot.Chat(context.Background(), req)
		require.NoError(t, err)
	}

	w := apiRequest(t, bot, http.MethodGet, "/api/requests", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total   int64        `json:"total"`
		Records []ChatRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	require.Len(t, resp.Records, 3)

	// newest first
	assert.Equal(t, "user-2", resp.Records[0].UserID)

	// filtered by user
	w = apiRequest(
		t,
		bot,
		http.MethodGet,
		"/api/requests?user_id=user-1",
		nil,
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
}
