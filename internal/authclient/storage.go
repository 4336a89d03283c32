package authclient

import "sync"

// Storage keys used by the client and its consumers.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "expires_at"
	KeyLastRole     = "last_role"
	KeyPendingEmail = "pending_email"
	KeyReturnPath   = "return_path"
)

// Storage is the client-side key/value state of one client (browser cookies, tests).
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Delete(key string)
}

// MemoryStorage is a Storage kept in process memory.
type MemoryStorage struct {
	mutex  sync.RWMutex
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get returns the stored value.
func (storage *MemoryStorage) Get(key string) (string, bool) {
	storage.mutex.RLock()
	defer storage.mutex.RUnlock()
	value, ok := storage.values[key]
	return value, ok
}

// Set stores value under key.
func (storage *MemoryStorage) Set(key string, value string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.values[key] = value
}

// Delete removes key.
func (storage *MemoryStorage) Delete(key string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	delete(storage.values, key)
}
