// Package enroll implements the Node join/approval protocol (spec §4.4):
// a 5-character registration code, admin approval, and one-time plaintext
// API-key retrieval. Grounded on the teacher's bcrypt-hashed-secret idiom
// (internal/handlers/auth.go HashPassword) generalized from passwords to
// node API keys, and on database.EnsureJWTSecret's create-or-persist shape.
package enroll

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var ErrAlreadyActive = errors.New("enroll: node already active")

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // base-32-ish, no ambiguous chars

// NewRegistrationCode generates a 5-character human-typeable code.
func NewRegistrationCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, 5)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}

// Join records a PENDING node for a fresh join-request (spec §4.4 Join,
// §6.3 POST /nodes/join-request).
func Join(hostname, address string) (*models.Node, error) {
	code, err := NewRegistrationCode()
	if err != nil {
		return nil, err
	}
	node := &models.Node{
		ExternalID:       uuid.New(),
		Hostname:         hostname,
		Address:          address,
		Status:           models.NodeStatusPending,
		RegistrationCode: code,
	}
	if err := database.DB.Create(node).Error; err != nil {
		return nil, err
	}
	return node, nil
}

// GenerateAPIKey returns a cryptographically random plaintext key with
// at least 256 bits of entropy, hex-encoded (spec §4.4 step 1).
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}

// Approve activates a PENDING node: generates a plaintext key, stores only
// its bcrypt hash, clears the registration code, and records the source
// address (spec §4.4 Approval steps 1-3).
func Approve(nodeID uint, sourceAddress string) (plaintextKey string, err error) {
	var node models.Node
	if err := database.DB.First(&node, nodeID).Error; err != nil {
		return "", err
	}
	if node.Status == models.NodeStatusActive {
		return "", ErrAlreadyActive
	}

	plaintextKey, err = GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintextKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	code := node.RegistrationCode // Updates clears this column; keep it for the cache stash below

	err = database.DB.Model(&node).Updates(map[string]interface{}{
		"status":            models.NodeStatusActive,
		"api_key_hash":      string(hash),
		"registration_code": nil,
		"key_delivered":     false,
		"address":           sourceAddress,
		"last_seen_at":      time.Now(),
	}).Error
	if err != nil {
		return "", err
	}

	// The plaintext key is delivered exactly once through the join-code
	// status poll (spec §4.4), not to the approving admin — stash it
	// transiently in Redis keyed by node id, consumed on first delivery.
	// Approval also clears registration_code from the DB row, so the same
	// poll's code->node lookup (StatusByCode) would 404 on every call after
	// this one; stash a short-lived code->node mapping alongside the key so
	// the daemon's poll loop, which keeps presenting the original code,
	// still resolves after approval (spec §4.4 step 4, §8 round-trip law).
	if database.Redis != nil {
		ctx := context.Background()
		database.Redis.Set(ctx, pendingKeyCacheKey(node.ID), plaintextKey, 10*time.Minute)
		database.Redis.Set(ctx, pendingCodeCacheKey(code), fmt.Sprintf("%d", node.ID), 10*time.Minute)
	}
	return plaintextKey, nil
}

func pendingKeyCacheKey(nodeID uint) string {
	return fmt.Sprintf("wpbackup:pending-key:%d", nodeID)
}

func pendingCodeCacheKey(code string) string {
	return fmt.Sprintf("wpbackup:pending-code:%s", code)
}

// PollResult is the response shape for GET /nodes/status/code/{code}.
type PollResult struct {
	NodeID     uint              `json:"node_id"`
	ExternalID string            `json:"external_id"`
	Status     models.NodeStatus `json:"status"`
	APIKey     string            `json:"api_key,omitempty"`
}

// StatusByCode looks up a node by its registration code. The column is
// cleared in the DB the moment a node is approved (Approve), but the
// daemon's poll loop keeps presenting the same code it was given at join
// time — it has no other handle on the node until it retrieves its API key.
// So a miss on the direct column lookup falls back to the short-lived
// code->node mapping Approve stashed in Redis, which survives exactly long
// enough for the daemon to complete its first post-approval poll.
func StatusByCode(code string) (*models.Node, error) {
	var node models.Node
	err := database.DB.Where("registration_code = ?", code).First(&node).Error
	if err == nil {
		return &node, nil
	}

	if database.Redis == nil {
		return nil, err
	}
	idStr, cacheErr := database.Redis.Get(context.Background(), pendingCodeCacheKey(code)).Result()
	if cacheErr != nil {
		return nil, err
	}
	id, parseErr := strconv.ParseUint(idStr, 10, 64)
	if parseErr != nil {
		return nil, err
	}
	if dbErr := database.DB.First(&node, uint(id)).Error; dbErr != nil {
		return nil, dbErr
	}
	return &node, nil
}

// ConsumePendingKey returns and deletes the stashed plaintext key for a
// node, if present — this is what makes delivery exactly-once (spec §4.4,
// §8 round-trip law: a second retrieve yields no key).
func ConsumePendingKey(nodeID uint) string {
	if database.Redis == nil {
		return ""
	}
	ctx := context.Background()
	key := pendingKeyCacheKey(nodeID)
	val, err := database.Redis.Get(ctx, key).Result()
	if err != nil {
		return ""
	}
	database.Redis.Del(ctx, key)
	return val
}

// VerifyAPIKey constant-time-compares a presented plaintext key against the
// stored hash (spec §4.4 Node auth; bcrypt.CompareHashAndPassword is itself
// constant-time in the comparison it performs).
func VerifyAPIKey(node *models.Node, presented string) bool {
	if node.APIKeyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(node.APIKeyHash), []byte(presented)) == nil
}
