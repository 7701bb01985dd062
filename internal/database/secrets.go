package database

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/models"
)

const (
	prefScopeGlobal = "global"
	jwtSecretKey    = "jwt_secret"
	masterKeysKey   = "master_key_generations"
)

func getGlobalPreference(key string) (string, bool) {
	var pref models.SystemPreference
	err := DB.Where("scope = ? AND scope_id = 0 AND key = ?", prefScopeGlobal, key).First(&pref).Error
	if err != nil || pref.Value == "" {
		return "", false
	}
	return pref.Value, true
}

func setGlobalPreference(key, value string) error {
	pref := models.SystemPreference{Scope: prefScopeGlobal, ScopeID: 0, Key: key, Value: value}
	if err := DB.Create(&pref).Error; err != nil {
		return DB.Model(&models.SystemPreference{}).
			Where("scope = ? AND scope_id = 0 AND key = ?", prefScopeGlobal, key).
			Update("value", value).Error
	}
	return nil
}

// EnsureJWTSecret persists cfg's JWT secret to the database on first run so
// restarts don't invalidate outstanding sessions (grounded on the teacher's
// database.EnsureJWTSecret).
func EnsureJWTSecret(cfg *config.Config) string {
	if DB == nil {
		log.Println("warning: database not connected, cannot persist JWT secret")
		return cfg.JWTSecret
	}

	if v, ok := getGlobalPreference(jwtSecretKey); ok {
		log.Println("JWT secret loaded from database - sessions persist across restarts")
		return v
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = generateSecureSecret(32)
	}
	if err := setGlobalPreference(jwtSecretKey, secret); err != nil {
		log.Printf("warning: failed to persist JWT secret: %v", err)
	}
	log.Println("JWT secret generated and persisted to database")
	return secret
}

// GetJWTSecret reads the persisted JWT secret, or "" if none is stored yet.
func GetJWTSecret() string {
	if DB == nil {
		return ""
	}
	v, _ := getGlobalPreference(jwtSecretKey)
	return v
}

// EnsureMasterKeyGenerations persists the seal master-key generation list
// the same way the JWT secret is persisted, so the current key survives a
// Master restart. The list is comma-separated hex keys, newest first; the
// seal package tries them in order (spec §4.4 key rotation tolerance).
func EnsureMasterKeyGenerations(cfg *config.Config) []string {
	if DB == nil {
		log.Println("warning: database not connected, cannot persist master key")
		return []string{cfg.MasterKeyHex}
	}

	if v, ok := getGlobalPreference(masterKeysKey); ok {
		return splitGenerations(v)
	}

	if err := setGlobalPreference(masterKeysKey, cfg.MasterKeyHex); err != nil {
		log.Printf("warning: failed to persist master key: %v", err)
	}
	return []string{cfg.MasterKeyHex}
}

// RotateMasterKey prepends a freshly generated key generation and persists
// the updated list. Existing sealed records continue to unseal under the
// previous generation until they are lazily re-sealed on next write.
func RotateMasterKey() (string, error) {
	newKey := generateSecureSecret(32)
	existing, _ := getGlobalPreference(masterKeysKey)
	updated := newKey
	if existing != "" {
		updated = newKey + "," + existing
	}
	if err := setGlobalPreference(masterKeysKey, updated); err != nil {
		return "", err
	}
	return newKey, nil
}

func splitGenerations(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte("fallback-secret-change-me"))
	}
	return hex.EncodeToString(bytes)
}
