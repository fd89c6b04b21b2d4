package botllm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// settingsFile is the on-disk layout of the settings store: one structured
// record holding the global settings and every tenant override. It's read
// fully into memory on first use and rewritten fully on every mutation.
type settingsFile struct {
	Global  GlobalSettings            `json:"global"`
	Tenants map[string]TenantSettings `json:"tenants"`
}

// SettingsStore owns the layered runtime settings (global + per-tenant)
// and the credential sequence. All mutation goes through its methods;
// the backing maps are never handed out directly.
//
// The backing file is loaded lazily on first access. A missing or corrupt
// file means "use defaults and attempt to rewrite them", not a fatal
// error. Persistence failures are surfaced as [PersistenceError] while the
// in-memory state is still updated, so behavior stays consistent until
// the next successful flush.
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	global  GlobalSettings
	tenants map[string]TenantSettings
}

func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		path:   path,
		logger: logger.With(loggerNameKey, "settings"),
	}
}

// ensureLoaded loads the backing file if it hasn't been read yet.
// Callers must hold the write lock.
func (s *SettingsStore) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true

	s.global = DefaultGlobalSettings()
	s.tenants = map[string]TenantSettings{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn(
				"error reading settings file, using defaults",
				tint.Err(err),
				"path", s.path,
			)
		}
		if persistErr := s.persist(); persistErr != nil {
			s.logger.Warn(
				"error writing default settings",
				tint.Err(persistErr),
			)
		}
		return
	}

	var loaded settingsFile
	if err = json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn(
			"settings file corrupt, using defaults",
			tint.Err(err),
			"path", s.path,
		)
		if persistErr := s.persist(); persistErr != nil {
			s.logger.Warn(
				"error writing default settings",
				tint.Err(persistErr),
			)
		}
		return
	}

	s.global = sanitizeGlobalSettings(loaded.Global)
	for tenantID, tenant := range loaded.Tenants {
		if tenantID == "" {
			continue
		}
		s.tenants[tenantID] = sanitizeTenantSettings(tenant)
	}
}

// persist rewrites the full settings record. Callers must hold the
// write lock.
func (s *SettingsStore) persist() error {
	record := settingsFile{Global: s.global, Tenants: s.tenants}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

// Global returns a copy of the current global settings.
func (s *SettingsStore) Global() GlobalSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.globalCopy()
}

// globalCopy returns the global settings with the key slice copied, so
// callers can't mutate the stored sequence. Callers must hold the lock.
func (s *SettingsStore) globalCopy() GlobalSettings {
	g := s.global
	g.APIKeys = append([]string(nil), s.global.APIKeys...)
	return g
}

// Tenant returns the settings for the given tenant, creating a default
// record on first access. The record is only written to disk once it's
// actually mutated.
func (s *SettingsStore) Tenant(tenantID string) TenantSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.tenantLocked(tenantID)
}

func (s *SettingsStore) tenantLocked(tenantID string) TenantSettings {
	tenant, ok := s.tenants[tenantID]
	if !ok {
		tenant = defaultTenantSettings()
		s.tenants[tenantID] = tenant
	}
	return tenant
}

// EffectiveSettings resolves the settings applied to a request from the
// given tenant. An empty tenantID (direct-message context) yields the
// global-only view. Never fails.
func (s *SettingsStore) EffectiveSettings(tenantID string) EffectiveSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if tenantID == "" {
		return ResolveEffectiveSettings(s.global, defaultTenantSettings())
	}
	return ResolveEffectiveSettings(s.global, s.tenantLocked(tenantID))
}

// APIKeys returns a snapshot of the current credential sequence.
func (s *SettingsStore) APIKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return append([]string(nil), s.global.APIKeys...)
}

// UpdateGlobal applies a partial update to the global settings. Each
// field is validated independently; numeric values are clamped to their
// documented ranges. The returned SettingsChange tells the caller whether
// the rate limit changed or chat was disabled, so stale cooldowns can
// be cleared. A PersistenceError is returned if the durable write failed;
// the in-memory update still took effect.
func (s *SettingsStore) UpdateGlobal(
	update GlobalSettingsUpdate,
) (GlobalSettings, SettingsChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	var change SettingsChange

	if update.ChatEnabled != nil {
		if s.global.ChatEnabled && !*update.ChatEnabled {
			change.ChatDisabled = true
		}
		s.global.ChatEnabled = *update.ChatEnabled
	}
	if update.RateLimitMs != nil {
		clamped := clampRateLimitMs(*update.RateLimitMs)
		if clamped != s.global.RateLimitMs {
			change.RateLimitChanged = true
		}
		s.global.RateLimitMs = clamped
	}
	if update.DefaultMaxAttachmentBytes != nil {
		s.global.DefaultMaxAttachmentBytes = clampAttachmentBytes(
			*update.DefaultMaxAttachmentBytes,
		)
	}
	if update.EnforceDefaultMaxAttachment != nil {
		s.global.EnforceDefaultMaxAttachment = *update.EnforceDefaultMaxAttachment
	}

	err := s.persist()
	if err != nil {
		s.logger.Warn("global settings updated in memory only", tint.Err(err))
	} else {
		s.logger.Info(
			"updated global settings",
			"settings", s.global,
			"rate_limit_changed", change.RateLimitChanged,
			"chat_disabled", change.ChatDisabled,
		)
	}
	return s.globalCopy(), change, err
}

// UpdateTenant applies a partial update to one tenant's settings.
// tenantID must be non-empty.
func (s *SettingsStore) UpdateTenant(
	tenantID string,
	update TenantSettingsUpdate,
) (TenantSettings, error) {
	if tenantID == "" {
		return TenantSettings{}, fmt.Errorf(
			"%w: tenant ID cannot be empty",
			ErrInvalidArgument,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	tenant := s.tenantLocked(tenantID)

	if update.ChatEnabled != nil {
		tenant.ChatEnabled = *update.ChatEnabled
	}
	switch {
	case update.ClearMaxAttachment:
		tenant.MaxAttachmentBytes = nil
	case update.MaxAttachmentBytes != nil:
		clamped := clampAttachmentBytes(*update.MaxAttachmentBytes)
		tenant.MaxAttachmentBytes = &clamped
	}

	s.tenants[tenantID] = tenant

	err := s.persist()
	if err != nil {
		s.logger.Warn(
			"tenant settings updated in memory only",
			tint.Err(err),
			"tenant_id", tenantID,
		)
	} else {
		s.logger.Info(
			"updated tenant settings",
			"tenant_id", tenantID,
			"chat_enabled", tenant.ChatEnabled,
		)
	}
	return tenant, err
}

// AddKey appends a new API key to the rotation. The key is trimmed;
// blank keys and duplicates are rejected.
func (s *SettingsStore) AddKey(key string) (GlobalSettings, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return GlobalSettings{}, ErrEmptyCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	for _, existing := range s.global.APIKeys {
		if existing == trimmed {
			return GlobalSettings{}, ErrDuplicateCredential
		}
	}

	s.global.APIKeys = append(s.global.APIKeys, trimmed)

	err := s.persist()
	if err != nil {
		s.logger.Warn("API key added in memory only", tint.Err(err))
	} else {
		s.logger.Info(
			"added API key",
			"key", maskKey(trimmed),
			"total", len(s.global.APIKeys),
		)
	}
	return s.globalCopy(), err
}

// RemoveKeyAt removes the API key at the given position in the rotation
// sequence and returns it, so the caller can evict any cached client.
func (s *SettingsStore) RemoveKeyAt(index int) (GlobalSettings, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if index < 0 || index >= len(s.global.APIKeys) {
		return GlobalSettings{}, "", fmt.Errorf(
			"%w: index %d of %d keys",
			ErrIndexOutOfRange,
			index,
			len(s.global.APIKeys),
		)
	}

	removed := s.global.APIKeys[index]
	s.global.APIKeys = append(
		s.global.APIKeys[:index],
		s.global.APIKeys[index+1:]...,
	)

	err := s.persist()
	if err != nil {
		s.logger.Warn("API key removed in memory only", tint.Err(err))
	} else {
		s.logger.Info(
			"removed API key",
			"key", maskKey(removed),
			"remaining", len(s.global.APIKeys),
		)
	}
	return s.globalCopy(), removed, err
}
