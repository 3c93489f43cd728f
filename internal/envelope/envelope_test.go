package envelope

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dropnet/internal/identity"
)

func newTestEngine(t *testing.T) (*Engine, *identity.Identity, *identity.Identity) {
	t.Helper()
	sender, err := identity.New()
	require.NoError(t, err)
	recipient, err := identity.New()
	require.NoError(t, err)
	eng := NewEngine(Options{Seen: NewMemorySeenStore()})
	return eng, sender, recipient
}

func TestSealOpenRoundTrip(t *testing.T) {
	eng, sender, recipient := newTestEngine(t)

	env, err := eng.Seal([]byte("hello"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)
	require.Equal(t, sender.NodeID, env.SenderID)
	require.Equal(t, recipient.NodeID, env.ReceiverID)
	require.Equal(t, Version, env.Version)

	plain, err := eng.Open(env, sender.SignPub, recipient)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)
}

func TestSealRejectsSelfSend(t *testing.T) {
	eng, sender, _ := newTestEngine(t)
	_, err := eng.Seal([]byte("x"), TypeText, sender, sender.Keys())
	require.Error(t, err)
}

func TestOpenRejectsTamperedFields(t *testing.T) {
	flip := func(t *testing.T, field *string) {
		raw, err := base64.StdEncoding.DecodeString(*field)
		require.NoError(t, err)
		raw[0] ^= 0x01
		*field = base64.StdEncoding.EncodeToString(raw)
	}
	cases := []struct {
		name   string
		mutate func(t *testing.T, env *Envelope)
	}{
		{"ciphertext", func(t *testing.T, env *Envelope) { flip(t, &env.Ciphertext) }},
		{"signature", func(t *testing.T, env *Envelope) { flip(t, &env.Signature) }},
		{"wrappedKey", func(t *testing.T, env *Envelope) { flip(t, &env.WrappedKey) }},
		{"timestamp", func(t *testing.T, env *Envelope) { env.Timestamp += 1 }},
		{"type", func(t *testing.T, env *Envelope) { env.Type = TypeFile }},
		{"senderId", func(t *testing.T, env *Envelope) { env.SenderID = "someone-else" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, sender, recipient := newTestEngine(t)
			env, err := eng.Seal([]byte("payload"), TypeText, sender, recipient.Keys())
			require.NoError(t, err)
			tc.mutate(t, env)
			_, err = eng.Open(env, sender.SignPub, recipient)
			require.ErrorIs(t, err, ErrVerification)
		})
	}
}

func TestOpenRejectsWrongSenderKey(t *testing.T) {
	eng, sender, recipient := newTestEngine(t)
	env, err := eng.Seal([]byte("payload"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)

	impostor, err := identity.New()
	require.NoError(t, err)
	_, err = eng.Open(env, impostor.SignPub, recipient)
	require.ErrorIs(t, err, ErrVerification)
}

func TestOpenRejectsFutureTimestamp(t *testing.T) {
	now := time.Now()
	sender, err := identity.New()
	require.NoError(t, err)
	recipient, err := identity.New()
	require.NoError(t, err)

	sealClock := func() time.Time { return now.Add(time.Hour) }
	sealer := NewEngine(Options{Clock: sealClock})
	env, err := sealer.Seal([]byte("from the future"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)

	opener := NewEngine(Options{Clock: func() time.Time { return now }})
	_, err = opener.Open(env, sender.SignPub, recipient)
	require.ErrorIs(t, err, ErrVerification)
}

func TestOpenRejectsStaleEnvelope(t *testing.T) {
	now := time.Now()
	sender, err := identity.New()
	require.NoError(t, err)
	recipient, err := identity.New()
	require.NoError(t, err)

	sealer := NewEngine(Options{Clock: func() time.Time { return now.Add(-48 * time.Hour) }})
	env, err := sealer.Seal([]byte("stale"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)

	opener := NewEngine(Options{Clock: func() time.Time { return now }})
	_, err = opener.Open(env, sender.SignPub, recipient)
	require.ErrorIs(t, err, ErrVerification)
}

func TestOpenRejectsReplay(t *testing.T) {
	eng, sender, recipient := newTestEngine(t)
	env, err := eng.Seal([]byte("once"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)

	_, err = eng.Open(env, sender.SignPub, recipient)
	require.NoError(t, err)
	_, err = eng.Open(env, sender.SignPub, recipient)
	require.ErrorIs(t, err, ErrVerification)
}

func TestOpenRejectsWrongRecipient(t *testing.T) {
	eng, sender, recipient := newTestEngine(t)
	env, err := eng.Seal([]byte("payload"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)

	other, err := identity.New()
	require.NoError(t, err)
	_, err = eng.Open(env, sender.SignPub, other)
	require.ErrorIs(t, err, ErrVerification)
}

func TestFreshContentKeyPerMessage(t *testing.T) {
	eng, sender, recipient := newTestEngine(t)
	a, err := eng.Seal([]byte("same plaintext"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)
	b, err := eng.Seal([]byte("same plaintext"), TypeText, sender, recipient.Keys())
	require.NoError(t, err)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
	require.NotEqual(t, a.WrappedKey, b.WrappedKey)
	require.NotEqual(t, a.EphemeralKey, b.EphemeralKey)
}
