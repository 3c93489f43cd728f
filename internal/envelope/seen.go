package envelope

import (
	"sync"
	"time"

	"dropnet/internal/vault"
)

type seenRecord struct {
	ID     string `json:"id"`
	SeenAt int64  `json:"seenAt"`
}

// VaultSeenStore keeps replay bookkeeping in the encrypted vault so it
// survives restarts.
type VaultSeenStore struct {
	v *vault.Vault
}

func NewVaultSeenStore(v *vault.Vault) *VaultSeenStore {
	return &VaultSeenStore{v: v}
}

func (s *VaultSeenStore) SeenAndRecord(id string) (bool, error) {
	ok, err := s.v.Get(vault.ColSeenNonces, id, nil)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	rec := seenRecord{ID: id, SeenAt: time.Now().UnixMilli()}
	if err := s.v.Put(vault.ColSeenNonces, id, rec); err != nil {
		return false, err
	}
	return false, nil
}

// MemorySeenStore is the in-process variant used in tests and by callers
// that accept losing replay state across restarts.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]struct{})}
}

func (s *MemorySeenStore) SeenAndRecord(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true, nil
	}
	s.seen[id] = struct{}{}
	return false, nil
}
