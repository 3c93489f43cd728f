package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"dropnet/internal/crypto"
)

// One vault per identity. Every record is encrypted at rest under a key
// derived from the identity secret; a single secret unlocks all collections.

const (
	ColIdentity      = "identity"
	ColMessages      = "messages"
	ColConversations = "conversations"
	ColPending       = "pendingDeliveries"
	ColSettings      = "settings"
	ColSeenNonces    = "seenNonces"
	ColContacts      = "contacts"
)

var (
	// ErrDecryptionFailed means wrong credentials or corrupted ciphertext.
	// Never retryable; callers must not confuse it with a storage fault.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
	ErrClosed           = errors.New("vault: closed")
)

type Options struct {
	Logger     *logrus.Logger
	SyncWrites bool
}

type Vault struct {
	db   *badger.DB
	salt []byte
	log  *logrus.Logger

	mu     sync.Mutex
	key    []byte
	closed bool

	colMu sync.Map // collection -> *sync.Mutex, single-writer per collection
}

// SettingsKey names the standing record in ColSettings written at identity
// creation, so CheckCredentials always has something to decrypt on unlock.
const SettingsKey = "security"

// Settings is the standing ColSettings record.
type Settings struct {
	SecurityLevel string    `json:"securityLevel"`
	Salt          []byte    `json:"salt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// EncryptedRecord is the storage form of every logical record.
type EncryptedRecord struct {
	ID         string `json:"id"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	StoredAt   int64  `json:"storedAt"`
}

// Open derives the vault key from secret+salt and opens the backing store.
// The key is re-derived on every Open and released on Close.
func Open(dir string, secret, salt []byte, opts Options) (*Vault, error) {
	if len(secret) == 0 {
		return nil, errors.New("vault: empty secret")
	}
	if len(salt) == 0 {
		return nil, errors.New("vault: empty salt")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	bopts := badger.DefaultOptions(dir)
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("vault open: %w", err)
	}
	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)
	return &Vault{
		db:   db,
		salt: saltCopy,
		key:  crypto.DeriveVaultKey(secret, salt),
		log:  log,
	}, nil
}

func recordKey(collection, id string) []byte {
	buf := make([]byte, 0, len(collection)+1+len(id))
	buf = append(buf, []byte(collection)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(id)...)
	return buf
}

func collectionPrefix(collection string) []byte {
	return append([]byte(collection), 0)
}

func (v *Vault) keyCopy() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	out := make([]byte, len(v.key))
	copy(out, v.key)
	return out, nil
}

func (v *Vault) collectionLock(collection string) *sync.Mutex {
	m, _ := v.colMu.LoadOrStore(collection, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Put encrypts the JSON-serialized record under the vault key with a fresh
// nonce and writes it. Writes to the same collection are serialized.
func (v *Vault) Put(collection, id string, record any) error {
	key, err := v.keyCopy()
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)
	plain, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("vault put %s/%s: %w", collection, id, err)
	}
	storageKey := recordKey(collection, id)
	nonce, ct, err := crypto.XSeal(key, plain, storageKey)
	if err != nil {
		return fmt.Errorf("vault put %s/%s: %w", collection, id, err)
	}
	rec := EncryptedRecord{
		ID:         id,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		StoredAt:   time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault put %s/%s: %w", collection, id, err)
	}
	lock := v.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()
	err = v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey, raw)
	})
	if err != nil {
		return fmt.Errorf("vault put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (v *Vault) decryptRecord(storageKey, raw []byte, key []byte) ([]byte, error) {
	var rec EncryptedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plain, err := crypto.XOpen(key, nonce, ct, storageKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// Get decrypts the record into out. Returns (false, nil) on a miss so callers
// can tell "absent" from "vault cannot be opened".
func (v *Vault) Get(collection, id string, out any) (bool, error) {
	key, err := v.keyCopy()
	if err != nil {
		return false, err
	}
	defer crypto.ZeroBytes(key)
	storageKey := recordKey(collection, id)
	var raw []byte
	err = v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault get %s/%s: %w", collection, id, err)
	}
	plain, err := v.decryptRecord(storageKey, raw, key)
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(plain, out); err != nil {
			return false, ErrDecryptionFailed
		}
	}
	return true, nil
}

// GetAll decrypts every record in the collection and hands the plaintext JSON
// to each in key order. A single undecryptable record aborts the scan with
// ErrDecryptionFailed.
func (v *Vault) GetAll(collection string, each func(id string, plain []byte) error) error {
	key, err := v.keyCopy()
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)
	prefix := collectionPrefix(collection)
	err = v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			storageKey := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("vault scan %s: %w", collection, err)
			}
			plain, err := v.decryptRecord(storageKey, raw, key)
			if err != nil {
				return err
			}
			id := string(storageKey[len(prefix):])
			if err := each(id, plain); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (v *Vault) Delete(collection, id string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.mu.Unlock()
	lock := v.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, id))
	})
	if err != nil {
		return fmt.Errorf("vault delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// CheckCredentials decrypt-probes every settings record. Zero failures means
// the derived key matches the stored ciphertext.
func (v *Vault) CheckCredentials() error {
	return v.GetAll(ColSettings, func(string, []byte) error { return nil })
}

// Salt returns the per-identity salt stored alongside each ciphertext.
func (v *Vault) Salt() []byte {
	out := make([]byte, len(v.salt))
	copy(out, v.salt)
	return out
}

// Close releases the derived key material before closing the store, so a
// reopen with different credentials cannot observe stale keys.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	crypto.ZeroBytes(v.key)
	v.key = nil
	v.mu.Unlock()
	if err := v.db.Close(); err != nil {
		return fmt.Errorf("vault close: %w", err)
	}
	return nil
}
