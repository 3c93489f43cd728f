package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropnet/internal/crypto"
	"dropnet/internal/identity"
)

// The engine seals plaintext into signed, encrypted envelopes and opens them
// on the far side. It is independent of transport: the same envelope is the
// unit shipped over a peer link and the unit queued at rest.

const (
	Version = 1

	TypeText        = "text"
	TypeFile        = "file"
	TypeOffer       = "offer"
	TypeOfferAccept = "offer_accept"
	TypeOfferReject = "offer_reject"

	sigLabel       = "dropnet:env:v1"
	wrapLabel      = "dropnet:wrap:v1"
	wrapNonceLabel = "dropnet:wrapnonce:v1"
)

// ErrVerification covers every way an envelope can fail to open: bad
// signature, stale or future timestamp, replayed id, unwrap or decrypt
// failure. Terminal; retrying with the same inputs cannot succeed.
var ErrVerification = errors.New("envelope: verification failed")

// Envelope is the wire and at-rest form of one message. Binary fields are
// base64.
type Envelope struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	SenderID     string `json:"senderId"`
	ReceiverID   string `json:"receiverId"`
	Timestamp    int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	IV           string `json:"iv"`
	WrappedKey   string `json:"wrappedKey"`
	EphemeralKey string `json:"ephemeralKey"`
	Signature    string `json:"signature"`
	Version      int    `json:"version"`
}

// OfferPayload carries a content offer. The item itself stays opaque to the
// core.
type OfferPayload struct {
	OfferID   string          `json:"offerId"`
	ItemID    string          `json:"itemId"`
	Item      json.RawMessage `json:"item"`
	ExpiresAt int64           `json:"expiresAt"`
}

// SeenStore records processed envelope ids for exact-replay detection.
type SeenStore interface {
	// SeenAndRecord reports whether id was already processed and records it.
	SeenAndRecord(id string) (bool, error)
}

type Options struct {
	MaxAge    time.Duration // oldest acceptable envelope age
	ClockSkew time.Duration // tolerated future timestamp
	Clock     func() time.Time
	Seen      SeenStore
	Logger    *logrus.Logger
}

const (
	defaultMaxAge    = 24 * time.Hour
	defaultClockSkew = 2 * time.Minute
)

type Engine struct {
	maxAge time.Duration
	skew   time.Duration
	clock  func() time.Time
	seen   SeenStore
	log    *logrus.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = defaultClockSkew
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Engine{
		maxAge: opts.MaxAge,
		skew:   opts.ClockSkew,
		clock:  opts.Clock,
		seen:   opts.Seen,
		log:    opts.Logger,
	}
}

// Seal encrypts plaintext under a fresh per-message content key, wraps the
// key for the recipient via ephemeral X25519, and signs the canonical tuple.
func (e *Engine) Seal(plaintext []byte, typ string, sender *identity.Identity, recipient identity.Keys) (*Envelope, error) {
	if sender == nil {
		return nil, errors.New("envelope: nil sender")
	}
	if sender.NodeID == recipient.NodeID {
		return nil, errors.New("envelope: sender and receiver must differ")
	}
	if len(recipient.EncPub) == 0 {
		return nil, errors.New("envelope: recipient has no encryption key")
	}

	env := &Envelope{
		ID:         uuid.NewString(),
		Type:       typ,
		SenderID:   sender.NodeID,
		ReceiverID: recipient.NodeID,
		Timestamp:  e.clock().UnixMilli(),
		Version:    Version,
	}
	nonce, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	env.Nonce = base64.StdEncoding.EncodeToString(nonce)

	contentKey, err := crypto.RandomBytes(crypto.XKeySize)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	defer crypto.ZeroBytes(contentKey)

	iv, ct, err := crypto.XSeal(contentKey, plaintext, []byte(env.ID))
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	env.IV = base64.StdEncoding.EncodeToString(iv)
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)

	wrapped, ephPub, err := wrapContentKey(contentKey, recipient.EncPub)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	env.WrappedKey = base64.StdEncoding.EncodeToString(wrapped)
	env.EphemeralKey = base64.StdEncoding.EncodeToString(ephPub)

	signed, err := signedTuple(env)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	sig, err := sender.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("envelope seal: %w", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return env, nil
}

// Open verifies then decrypts. The signature is checked against the claimed
// sender before any key unwrap or decryption is attempted.
func (e *Engine) Open(env *Envelope, senderSignPub ed25519.PublicKey, recipient *identity.Identity) ([]byte, error) {
	if env == nil || recipient == nil {
		return nil, fmt.Errorf("%w: missing envelope or recipient", ErrVerification)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrVerification, env.Version)
	}
	if env.SenderID == env.ReceiverID {
		return nil, fmt.Errorf("%w: sender equals receiver", ErrVerification)
	}
	if env.ReceiverID != recipient.NodeID {
		return nil, fmt.Errorf("%w: not addressed to this node", ErrVerification)
	}
	if identity.DeriveNodeID(senderSignPub) != env.SenderID {
		return nil, fmt.Errorf("%w: sender key does not match claimed sender", ErrVerification)
	}

	signed, err := signedTuple(env)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrVerification)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || !crypto.Verify(senderSignPub, signed, sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrVerification)
	}

	if err := e.checkFreshness(env.Timestamp); err != nil {
		return nil, err
	}
	if e.seen != nil {
		replayed, err := e.seen.SeenAndRecord(env.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: replay check: %v", ErrVerification, err)
		}
		if replayed {
			return nil, fmt.Errorf("%w: replayed envelope %s", ErrVerification, env.ID)
		}
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed wrapped key", ErrVerification)
	}
	ephPub, err := base64.StdEncoding.DecodeString(env.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ephemeral key", ErrVerification)
	}
	contentKey, err := unwrapContentKey(wrapped, ephPub, recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap", ErrVerification)
	}
	defer crypto.ZeroBytes(contentKey)

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv", ErrVerification)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrVerification)
	}
	plain, err := crypto.XOpen(contentKey, iv, ct, []byte(env.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt", ErrVerification)
	}
	e.log.WithFields(logrus.Fields{"id": env.ID, "sender": env.SenderID, "type": env.Type}).Debug("envelope opened")
	return plain, nil
}

func (e *Engine) checkFreshness(tsMilli int64) error {
	now := e.clock()
	ts := time.UnixMilli(tsMilli)
	if ts.After(now.Add(e.skew)) {
		return fmt.Errorf("%w: timestamp %s beyond clock skew", ErrVerification, ts.UTC().Format(time.RFC3339))
	}
	if now.Sub(ts) > e.maxAge {
		return fmt.Errorf("%w: envelope older than %s", ErrVerification, e.maxAge)
	}
	return nil
}

// wrapContentKey encrypts the content key for the recipient: ephemeral
// X25519 against the recipient's static encryption key, KDF to a single-use
// wrap key. Bounds any compromise to one message.
func wrapContentKey(contentKey, recipientEncPub []byte) (wrapped, ephPub []byte, err error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	defer eph.Destroy()
	ephPub, err = eph.Public()
	if err != nil {
		return nil, nil, err
	}
	shared, err := eph.Shared(recipientEncPub)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(shared)
	wrapKey := crypto.KDF(wrapLabel, shared, ephPub, recipientEncPub)
	defer crypto.ZeroBytes(wrapKey)
	wrapNonce := crypto.KDF(wrapNonceLabel, wrapKey)[:crypto.XNonceSize]
	wrapped, err = crypto.XSealWithNonce(wrapKey, wrapNonce, contentKey, nil)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, ephPub, nil
}

func unwrapContentKey(wrapped, ephPub []byte, recipient *identity.Identity) ([]byte, error) {
	shared, err := recipient.SharedWith(ephPub)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(shared)
	wrapKey := crypto.KDF(wrapLabel, shared, ephPub, recipient.EncPub)
	defer crypto.ZeroBytes(wrapKey)
	wrapNonce := crypto.KDF(wrapNonceLabel, wrapKey)[:crypto.XNonceSize]
	return crypto.XOpen(wrapKey, wrapNonce, wrapped, nil)
}

// signedTuple builds the canonical byte string covered by the signature:
// id, type, sender, receiver, timestamp, nonce, and digests of the wrapped
// key and ciphertext.
func signedTuple(env *Envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp))
	buf := make([]byte, 0, len(sigLabel)+len(env.ID)+len(env.Type)+len(env.SenderID)+len(env.ReceiverID)+8+len(nonce)+64)
	buf = append(buf, []byte(sigLabel)...)
	for _, field := range []string{env.ID, env.Type, env.SenderID, env.ReceiverID} {
		buf = append(buf, []byte(field)...)
		buf = append(buf, 0)
	}
	buf = append(buf, ts[:]...)
	buf = append(buf, nonce...)
	buf = append(buf, crypto.SHA3_256(wrapped)...)
	buf = append(buf, crypto.SHA3_256(ct)...)
	return buf, nil
}
