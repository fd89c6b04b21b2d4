package botllm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveEffectiveSettingsBothLayersMustEnable(t *testing.T) {
	global := DefaultGlobalSettings()
	tenant := defaultTenantSettings()

	eff := ResolveEffectiveSettings(global, tenant)
	assert.True(t, eff.ChatEnabled)

	global.ChatEnabled = false
	eff = ResolveEffectiveSettings(global, tenant)
	assert.False(t, eff.ChatEnabled)

	global.ChatEnabled = true
	tenant.ChatEnabled = false
	eff = ResolveEffectiveSettings(global, tenant)
	assert.False(t, eff.ChatEnabled)
}

func TestResolveEffectiveSettingsAttachmentOverride(t *testing.T) {
	global := DefaultGlobalSettings()
	tenant := defaultTenantSettings()

	eff := ResolveEffectiveSettings(global, tenant)
	assert.Equal(t, global.DefaultMaxAttachmentBytes, eff.MaxAttachmentBytes)

	tenant.MaxAttachmentBytes = uintPointer(2048)
	eff = ResolveEffectiveSettings(global, tenant)
	assert.Equal(t, uint(2048), eff.MaxAttachmentBytes)
}

// A tenant override set before the enforcement flag was enabled is still
// ignored while the flag is on, and applies again once it's cleared.
func TestResolveEffectiveSettingsEnforceWinsOverPriorOverride(t *testing.T) {
	global := DefaultGlobalSettings()
	tenant := defaultTenantSettings()
	tenant.MaxAttachmentBytes = uintPointer(2048)

	global.EnforceDefaultMaxAttachment = true
	eff := ResolveEffectiveSettings(global, tenant)
	assert.Equal(t, global.DefaultMaxAttachmentBytes, eff.MaxAttachmentBytes)

	global.EnforceDefaultMaxAttachment = false
	eff = ResolveEffectiveSettings(global, tenant)
	assert.Equal(t, uint(2048), eff.MaxAttachmentBytes)
}

func TestSanitizeGlobalSettingsOutOfRange(t *testing.T) {
	g := GlobalSettings{
		ChatEnabled:               true,
		RateLimitMs:               uint(MaxRateLimit.Milliseconds()) + 1,
		DefaultMaxAttachmentBytes: 10,
	}
	sanitized := sanitizeGlobalSettings(g)
	defaults := DefaultGlobalSettings()
	assert.Equal(t, defaults.RateLimitMs, sanitized.RateLimitMs)
	assert.Equal(
		t,
		defaults.DefaultMaxAttachmentBytes,
		sanitized.DefaultMaxAttachmentBytes,
	)
}

func TestSanitizeGlobalSettingsKeys(t *testing.T) {
	g := DefaultGlobalSettings()
	g.APIKeys = []string{" key-a ", "", "key-b", "key-a", "   "}
	sanitized := sanitizeGlobalSettings(g)
	assert.Equal(t, []string{"key-a", "key-b"}, sanitized.APIKeys)
}

func TestClampRateLimit(t *testing.T) {
	assert.Equal(t, uint(0), clampRateLimitMs(0))
	assert.Equal(t, uint(5000), clampRateLimitMs(5000))
	assert.Equal(
		t,
		uint(MaxRateLimit.Milliseconds()),
		clampRateLimitMs(uint(MaxRateLimit.Milliseconds())+500),
	)
}

func TestClampAttachmentBytes(t *testing.T) {
	assert.Equal(t, MinAttachmentBytes, clampAttachmentBytes(10))
	assert.Equal(t, uint(4096), clampAttachmentBytes(4096))
}

func TestGlobalSettingsRateLimit(t *testing.T) {
	g := GlobalSettings{RateLimitMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, g.RateLimit())
}
