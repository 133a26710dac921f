package securemem

import (
	"sort"
	"sync"
)

// Keyring holds one sealed key per provider.
type Keyring struct {
	mu    sync.RWMutex
	items map[string]*String
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{items: make(map[string]*String)}
}

// Set stores value under provider, replacing any previous key.
func (k *Keyring) Set(provider string, value *String) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.items[provider]; ok && existing != value {
		existing.Destroy()
	}
	k.items[provider] = value
}

// LoadEnv seals the environment variable env under provider. An unset
// variable is reported as an error and leaves the keyring unchanged.
func (k *Keyring) LoadEnv(provider, env string) error {
	value, err := FromEnv(env)
	if err != nil {
		return err
	}
	k.Set(provider, value)
	return nil
}

// Get returns the key for provider, or nil.
func (k *Keyring) Get(provider string) *String {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.items[provider]
}

// Providers lists the providers with a key, sorted.
func (k *Keyring) Providers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.items))
	for name := range k.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear destroys every key.
func (k *Keyring) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for name, value := range k.items {
		value.Destroy()
		delete(k.items, name)
	}
}
