package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dropnet/internal/crypto"
	"dropnet/internal/vault"
)

// Identity is a long-lived pseudonymous principal. The private halves never
// leave the process and are persisted only inside the encrypted vault.

const nodeIDLabel = "dropnet:nodeid:v1"

const selfRecordID = "self"

type Identity struct {
	ID        string
	NodeID    string
	SignPub   ed25519.PublicKey
	EncPub    []byte
	CreatedAt time.Time

	signPriv ed25519.PrivateKey
	encPriv  []byte
}

// Keys is the public half of an identity, safe to share over the rendezvous
// channel and store in the contacts collection.
type Keys struct {
	NodeID  string `json:"nodeId"`
	SignPub []byte `json:"signPub"`
	EncPub  []byte `json:"encPub"`
}

type record struct {
	ID        string `json:"id"`
	NodeID    string `json:"nodeId"`
	SignPub   string `json:"signPub"`
	SignPriv  string `json:"signPriv"`
	EncPub    string `json:"encPub"`
	EncPriv   string `json:"encPriv"`
	CreatedAt int64  `json:"createdAt"`
}

// DeriveNodeID maps a signing key to the short node identifier used on the
// wire and in the roster.
func DeriveNodeID(signPub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(nodeIDLabel)+len(signPub))
	buf = append(buf, []byte(nodeIDLabel)...)
	buf = append(buf, signPub...)
	sum := crypto.SHA3_256(buf)
	return hex.EncodeToString(sum[:16])
}

func New() (*Identity, error) {
	signPub, signPriv, err := crypto.GenSignKeypair()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	encPub, encPriv, err := crypto.GenEncKeypair()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return &Identity{
		ID:        uuid.NewString(),
		NodeID:    DeriveNodeID(signPub),
		SignPub:   signPub,
		EncPub:    encPub,
		CreatedAt: time.Now().UTC(),
		signPriv:  signPriv,
		encPriv:   encPriv,
	}, nil
}

func (i *Identity) Keys() Keys {
	signPub := make([]byte, len(i.SignPub))
	copy(signPub, i.SignPub)
	encPub := make([]byte, len(i.EncPub))
	copy(encPub, i.EncPub)
	return Keys{NodeID: i.NodeID, SignPub: signPub, EncPub: encPub}
}

// Sign signs msg with the identity's private signing key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(i.signPriv, msg)
}

// SharedWith runs X25519 between the identity's static encryption key and a
// peer-supplied ephemeral public key, for unwrapping per-message content keys.
func (i *Identity) SharedWith(ephPub []byte) ([]byte, error) {
	return crypto.X25519Shared(i.encPriv, ephPub)
}

func (i *Identity) String() string {
	return fmt.Sprintf("Identity{node=%s}", i.NodeID)
}

func (i *Identity) GoString() string {
	return "identity.Identity{REDACTED}"
}

// Save persists the identity, private keys included, into the vault.
func (i *Identity) Save(v *vault.Vault) error {
	rec := record{
		ID:        i.ID,
		NodeID:    i.NodeID,
		SignPub:   base64.StdEncoding.EncodeToString(i.SignPub),
		SignPriv:  base64.StdEncoding.EncodeToString(i.signPriv),
		EncPub:    base64.StdEncoding.EncodeToString(i.EncPub),
		EncPriv:   base64.StdEncoding.EncodeToString(i.encPriv),
		CreatedAt: i.CreatedAt.UnixMilli(),
	}
	return v.Put(vault.ColIdentity, selfRecordID, rec)
}

// Load reads the identity back from the vault.
func Load(v *vault.Vault) (*Identity, error) {
	var rec record
	ok, err := v.Get(vault.ColIdentity, selfRecordID, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("identity: not found in vault")
	}
	signPub, err := base64.StdEncoding.DecodeString(rec.SignPub)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	signPriv, err := base64.StdEncoding.DecodeString(rec.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	encPub, err := base64.StdEncoding.DecodeString(rec.EncPub)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	encPriv, err := base64.StdEncoding.DecodeString(rec.EncPriv)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if len(signPub) != ed25519.PublicKeySize || len(signPriv) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: bad signing key material")
	}
	return &Identity{
		ID:        rec.ID,
		NodeID:    rec.NodeID,
		SignPub:   ed25519.PublicKey(signPub),
		EncPub:    encPub,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		signPriv:  ed25519.PrivateKey(signPriv),
		encPriv:   encPriv,
	}, nil
}
