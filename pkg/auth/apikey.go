package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrRevokedAPIKey = errors.New("API key has been revoked")
	ErrExpiredAPIKey = errors.New("API key has expired")
	ErrAPIKeyMissing = errors.New("API key not found")
)

// APIKey describes a key. The secret itself is only returned by Generate;
// the manager keeps its SHA-256 digest.
type APIKey struct {
	Key       string     `json:"key,omitempty"`
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// APIKeyManager manages API keys
type APIKeyManager struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // digest -> key
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]*APIKey),
	}
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Generate creates a new random API key.
func (m *APIKeyManager) Generate(userID, role, name string, expiresAt *time.Time) (*APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	key := "sk_" + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey, err := m.Add(key, userID, role, name, expiresAt)
	if err != nil {
		return nil, err
	}
	apiKey.Key = key
	return apiKey, nil
}

// Add registers a key provisioned elsewhere, such as in the config file.
func (m *APIKeyManager) Add(key, userID, role, name string, expiresAt *time.Time) (*APIKey, error) {
	if key == "" {
		return nil, errors.New("API key cannot be empty")
	}
	d := digest(key)
	apiKey := &APIKey{
		ID:        d[:12],
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[d]; exists {
		return nil, fmt.Errorf("API key %s already registered", apiKey.ID)
	}
	m.keys[d] = apiKey
	cp := *apiKey
	return &cp, nil
}

// Verify checks if an API key is valid
func (m *APIKeyManager) Verify(key string) (*APIKey, error) {
	m.mu.RLock()
	apiKey, exists := m.keys[digest(key)]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrInvalidAPIKey
	}
	if apiKey.Revoked {
		return nil, ErrRevokedAPIKey
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, ErrExpiredAPIKey
	}

	cp := *apiKey
	return &cp, nil
}

// Revoke marks the key with the given id as revoked
func (m *APIKeyManager) Revoke(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, apiKey := range m.keys {
		if apiKey.ID == id {
			apiKey.Revoked = true
			return nil
		}
	}
	return ErrAPIKeyMissing
}

// Count returns the total number of active keys
func (m *APIKeyManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, apiKey := range m.keys {
		if !apiKey.Revoked {
			count++
		}
	}
	return count
}
