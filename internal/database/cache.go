package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	CacheKeySettingsPrefix  = "wpbackup:settings:"
	CacheKeyProgressPrefix  = "wpbackup:progress:"
	CacheKeyBlacklistPrefix = "wpbackup:blacklist:"

	CacheTTLSettings = 5 * time.Minute
	CacheTTLProgress = 30 * time.Second
)

// SettingsCacheKey builds the cache key for a resolved tiered setting.
func SettingsCacheKey(scope string, scopeID uint, key string) string {
	return fmt.Sprintf("%s%s:%d:%s", CacheKeySettingsPrefix, scope, scopeID, key)
}

// CacheGet retrieves a value from Redis cache and unmarshals it into dest.
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL.
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache.
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// CacheDeletePattern deletes all keys matching a pattern.
func CacheDeletePattern(pattern string) error {
	ctx := context.Background()
	iter := Redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return Redis.Del(ctx, keys...).Err()
	}
	return nil
}

// InvalidateSettingsCache clears every cached tiered-setting resolution.
func InvalidateSettingsCache() {
	CacheDeletePattern(CacheKeySettingsPrefix + "*")
}

func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return CacheKeyBlacklistPrefix + hex.EncodeToString(sum[:])
}

// BlacklistToken revokes a JWT on logout until its own expiry, after which
// it would be rejected on signature checks anyway so the key can expire.
func BlacklistToken(token string, ttl time.Duration) error {
	if Redis == nil || ttl <= 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Set(ctx, blacklistKey(token), "1", ttl).Err()
}

// IsTokenBlacklisted reports whether a token was revoked before its natural expiry.
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, blacklistKey(token)).Result()
	return err == nil && n > 0
}
