package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXSealRoundTrip(t *testing.T) {
	key, err := RandomBytes(XKeySize)
	require.NoError(t, err)
	nonce, ct, err := XSeal(key, []byte("hello"), []byte("ctx"))
	require.NoError(t, err)
	require.Len(t, nonce, XNonceSize)
	pt, err := XOpen(key, nonce, ct, []byte("ctx"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestXOpenRejectsTamper(t *testing.T) {
	key, err := RandomBytes(XKeySize)
	require.NoError(t, err)
	nonce, ct, err := XSeal(key, []byte("hello"), nil)
	require.NoError(t, err)
	ct[0] ^= 0x01
	_, err = XOpen(key, nonce, ct, nil)
	require.Error(t, err)
}

func TestXOpenRejectsWrongAAD(t *testing.T) {
	key, err := RandomBytes(XKeySize)
	require.NoError(t, err)
	nonce, ct, err := XSeal(key, []byte("hello"), []byte("a"))
	require.NoError(t, err)
	_, err = XOpen(key, nonce, ct, []byte("b"))
	require.Error(t, err)
}

func TestEphemeralSharedAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)
	b, err := GenerateEphemeral()
	require.NoError(t, err)
	aPub, err := a.Public()
	require.NoError(t, err)
	bPub, err := b.Public()
	require.NoError(t, err)
	sa, err := a.Shared(bPub)
	require.NoError(t, err)
	sb, err := b.Shared(aPub)
	require.NoError(t, err)
	require.Equal(t, sa, sb)
}

func TestEphemeralDestroy(t *testing.T) {
	e, err := GenerateEphemeral()
	require.NoError(t, err)
	pub, err := e.Public()
	require.NoError(t, err)
	e.Destroy()
	_, err = e.Public()
	require.Error(t, err)
	_, err = e.Shared(pub)
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenSignKeypair()
	require.NoError(t, err)
	sig, err := Sign(priv, []byte("msg"))
	require.NoError(t, err)
	require.True(t, Verify(pub, []byte("msg"), sig))
	require.False(t, Verify(pub, []byte("other"), sig))
	sig[0] ^= 0x01
	require.False(t, Verify(pub, []byte("msg"), sig))
}

func TestDeriveVaultKeyDeterministic(t *testing.T) {
	k1 := DeriveVaultKey([]byte("secret"), []byte("salt"))
	k2 := DeriveVaultKey([]byte("secret"), []byte("salt"))
	require.Equal(t, k1, k2)
	require.Len(t, k1, XKeySize)
	k3 := DeriveVaultKey([]byte("secret"), []byte("other"))
	require.False(t, bytes.Equal(k1, k3))
}

func TestKDFLabelSeparation(t *testing.T) {
	a := KDF("dropnet:a:v1", []byte("x"))
	b := KDF("dropnet:b:v1", []byte("x"))
	require.NotEqual(t, a, b)
	require.Len(t, a, 32)
}
