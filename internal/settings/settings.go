// Package settings resolves the tiered (global > node > site) settings
// described in spec.md §9's Open Question: resolution is most-specific-wins
// (site overrides node overrides global), with a Go-coded fallback when a
// key is unset at every tier. Storage is the system_preferences table,
// cached in Redis the way the teacher caches settings in
// internal/database/cache.go.
package settings

import (
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
)

const (
	ScopeGlobal = "global"
	ScopeNode   = "node"
	ScopeSite   = "site"
)

// Well-known keys and their hardcoded fallback when unset at every tier.
const (
	KeyRetentionGraceDays  = "retention_grace_days"
	KeyReconcileDriftPctE4 = "reconcile_drift_pct_e4"
	KeyAPIRateLimit        = "api_rate_limit"
)

func fallback(key string) string {
	switch key {
	case KeyRetentionGraceDays:
		return "7"
	case KeyReconcileDriftPctE4:
		return "100"
	case KeyAPIRateLimit:
		return "100"
	default:
		return ""
	}
}

// Resolve returns the most-specific value of key for a site, walking
// site -> node -> global. siteID/nodeID of 0 are skipped.
func Resolve(key string, siteID, nodeID uint) string {
	if siteID != 0 {
		if v, ok := lookup(ScopeSite, siteID, key); ok {
			return v
		}
	}
	if nodeID != 0 {
		if v, ok := lookup(ScopeNode, nodeID, key); ok {
			return v
		}
	}
	if v, ok := lookup(ScopeGlobal, 0, key); ok {
		return v
	}
	return fallback(key)
}

func lookup(scope string, scopeID uint, key string) (string, bool) {
	cacheKey := database.SettingsCacheKey(scope, scopeID, key)
	var cached string
	if database.Redis != nil {
		if err := database.CacheGet(cacheKey, &cached); err == nil {
			return cached, true
		}
	}

	var pref models.SystemPreference
	err := database.DB.Where("scope = ? AND scope_id = ? AND key = ?", scope, scopeID, key).First(&pref).Error
	if err != nil {
		return "", false
	}

	if database.Redis != nil {
		database.CacheSet(cacheKey, pref.Value, database.CacheTTLSettings)
	}
	return pref.Value, true
}

// Set writes a setting at a given tier and invalidates its cache entry.
func Set(scope string, scopeID uint, key, value string) error {
	pref := models.SystemPreference{Scope: scope, ScopeID: scopeID, Key: key, Value: value}
	err := database.DB.Where("scope = ? AND scope_id = ? AND key = ?", scope, scopeID, key).
		Assign(models.SystemPreference{Value: value}).
		FirstOrCreate(&pref).Error
	if err != nil {
		return err
	}
	if database.Redis != nil {
		database.CacheDelete(database.SettingsCacheKey(scope, scopeID, key))
	}
	return nil
}

// RetentionGraceDays resolves the retention grace period for a site/node.
func RetentionGraceDays(siteID, nodeID uint) time.Duration {
	days := atoiDefault(Resolve(KeyRetentionGraceDays, siteID, nodeID), 7)
	return time.Duration(days) * 24 * time.Hour
}

// ReconcileDriftThreshold resolves the drift threshold as a fraction (e.g. 0.01 for 1%).
func ReconcileDriftThreshold(siteID, nodeID uint) float64 {
	e4 := atoiDefault(Resolve(KeyReconcileDriftPctE4, siteID, nodeID), 100)
	return float64(e4) / 10000.0
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
