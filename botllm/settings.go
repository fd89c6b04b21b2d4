package botllm

import (
	"log/slog"
	"strings"
	"time"
)

const (
	// MinRateLimit and MaxRateLimit bound the per-user cooldown interval.
	MinRateLimit = 0
	MaxRateLimit = 3_600_000 * time.Millisecond

	// MinAttachmentBytes is the smallest accepted attachment size limit.
	MinAttachmentBytes uint = 1024

	DefaultRateLimit          = 10 * time.Second
	DefaultMaxAttachmentBytes = uint(8 * 1024 * 1024)
)

// GlobalSettings is the owner-controlled, process-wide runtime
// configuration. It's persisted to the settings file and mutated only
// through [SettingsStore].
//
//nolint:lll // struct tags can't be split
type GlobalSettings struct {
	// ChatEnabled globally enables or disables chat requests. When false,
	// no tenant can use chat regardless of its own setting.
	ChatEnabled bool `json:"chat_enabled"`

	// RateLimitMs is the minimum interval between accepted requests,
	// per user, in milliseconds.
	RateLimitMs uint `json:"rate_limit_ms" binding:"max=3600000"`

	// DefaultMaxAttachmentBytes is the attachment size limit applied to
	// tenants without an override (or to all tenants, when
	// EnforceDefaultMaxAttachment is set).
	DefaultMaxAttachmentBytes uint `json:"default_max_attachment_bytes" binding:"min=1024"`

	// EnforceDefaultMaxAttachment locks the attachment limit: tenant
	// overrides are ignored while this is true, even overrides set
	// before the flag was enabled.
	EnforceDefaultMaxAttachment bool `json:"enforce_default_max_attachment"`

	// APIKeys is the upstream credential sequence. Unique, and insertion
	// order is rotation order.
	APIKeys []string `json:"api_keys" log:"[redacted]"`
}

// RateLimit returns the cooldown interval as a time.Duration.
func (g GlobalSettings) RateLimit() time.Duration {
	return time.Duration(g.RateLimitMs) * time.Millisecond
}

func (g GlobalSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("chat_enabled", g.ChatEnabled),
		slog.Uint64("rate_limit_ms", uint64(g.RateLimitMs)),
		slog.Uint64(
			"default_max_attachment_bytes",
			uint64(g.DefaultMaxAttachmentBytes),
		),
		slog.Bool(
			"enforce_default_max_attachment",
			g.EnforceDefaultMaxAttachment,
		),
		slog.Int("api_keys", len(g.APIKeys)),
	)
}

// TenantSettings holds per-tenant overrides. Records are created lazily
// with defaults on first access and never deleted automatically.
type TenantSettings struct {
	// ChatEnabled enables chat for this tenant. Effective only while
	// chat is also enabled globally.
	ChatEnabled bool `json:"chat_enabled"`

	// MaxAttachmentBytes overrides the global attachment size limit.
	// Nil means inherit the global default.
	MaxAttachmentBytes *uint `json:"max_attachment_bytes,omitempty" binding:"omitnil,min=1024"`
}

// EffectiveSettings is the resolved view actually applied to a request,
// combining GlobalSettings with one tenant's overrides. It is derived,
// never persisted.
type EffectiveSettings struct {
	ChatEnabled        bool
	RateLimit          time.Duration
	MaxAttachmentBytes uint
}

// ResolveEffectiveSettings combines global and tenant settings.
// Chat must be enabled at both layers. The enforcement flag always wins
// over a tenant attachment override, even one set before the flag.
func ResolveEffectiveSettings(
	global GlobalSettings,
	tenant TenantSettings,
) EffectiveSettings {
	eff := EffectiveSettings{
		ChatEnabled:        global.ChatEnabled && tenant.ChatEnabled,
		RateLimit:          global.RateLimit(),
		MaxAttachmentBytes: global.DefaultMaxAttachmentBytes,
	}
	if !global.EnforceDefaultMaxAttachment && tenant.MaxAttachmentBytes != nil {
		eff.MaxAttachmentBytes = *tenant.MaxAttachmentBytes
	}
	return eff
}

// DefaultGlobalSettings returns the settings used when the backing file
// is missing, corrupt, or omits fields.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		ChatEnabled:                 true,
		RateLimitMs:                 uint(DefaultRateLimit.Milliseconds()),
		DefaultMaxAttachmentBytes:   DefaultMaxAttachmentBytes,
		EnforceDefaultMaxAttachment: false,
		APIKeys:                     []string{},
	}
}

func defaultTenantSettings() TenantSettings {
	return TenantSettings{ChatEnabled: true}
}

// GlobalSettingsUpdate is a partial update payload for GlobalSettings.
// Nil fields are left unchanged. Numeric fields are clamped to their
// documented ranges rather than rejected.
//
//nolint:lll // struct tags can't be split
type GlobalSettingsUpdate struct {
	ChatEnabled                 *bool `json:"chat_enabled,omitempty"`
	RateLimitMs                 *uint `json:"rate_limit_ms,omitempty"`
	DefaultMaxAttachmentBytes   *uint `json:"default_max_attachment_bytes,omitempty"`
	EnforceDefaultMaxAttachment *bool `json:"enforce_default_max_attachment,omitempty"`
}

// TenantSettingsUpdate is a partial update payload for one tenant.
// ClearMaxAttachment drops the tenant's attachment override so the
// global default applies again; it takes precedence over
// MaxAttachmentBytes if both are set.
type TenantSettingsUpdate struct {
	ChatEnabled        *bool `json:"chat_enabled,omitempty"`
	MaxAttachmentBytes *uint `json:"max_attachment_bytes,omitempty"`
	ClearMaxAttachment bool  `json:"clear_max_attachment,omitempty"`
}

// SettingsChange summarizes what an update actually modified, so callers
// can react (e.g. clearing the cooldown ledger when the interval changes,
// or when chat is disabled globally).
type SettingsChange struct {
	RateLimitChanged bool
	ChatDisabled     bool
}

func clampRateLimitMs(ms uint) uint {
	maxMs := uint(MaxRateLimit.Milliseconds())
	if ms > maxMs {
		return maxMs
	}
	return ms
}

func clampAttachmentBytes(b uint) uint {
	if b < MinAttachmentBytes {
		return MinAttachmentBytes
	}
	return b
}

// sanitizeGlobalSettings normalizes settings loaded from disk: numeric
// fields outside their documented range fall back to defaults, and API
// keys are trimmed with blanks dropped.
func sanitizeGlobalSettings(g GlobalSettings) GlobalSettings {
	defaults := DefaultGlobalSettings()

	if g.RateLimitMs > uint(MaxRateLimit.Milliseconds()) {
		g.RateLimitMs = defaults.RateLimitMs
	}
	if g.DefaultMaxAttachmentBytes < MinAttachmentBytes {
		g.DefaultMaxAttachmentBytes = defaults.DefaultMaxAttachmentBytes
	}

	keys := make([]string, 0, len(g.APIKeys))
	seen := make(map[string]bool, len(g.APIKeys))
	for _, k := range g.APIKeys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	g.APIKeys = keys

	return g
}

func sanitizeTenantSettings(t TenantSettings) TenantSettings {
	if t.MaxAttachmentBytes != nil {
		clamped := clampAttachmentBytes(*t.MaxAttachmentBytes)
		t.MaxAttachmentBytes = &clamped
	}
	return t
}
