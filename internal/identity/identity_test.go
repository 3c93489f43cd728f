package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dropnet/internal/crypto"
	"dropnet/internal/vault"
)

func TestNewIdentity(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	require.NotEmpty(t, id.ID)
	require.Len(t, id.NodeID, 32)
	require.Equal(t, DeriveNodeID(id.SignPub), id.NodeID)
}

func TestNodeIDDeterministic(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	require.Equal(t, DeriveNodeID(id.SignPub), DeriveNodeID(id.SignPub))

	other, err := New()
	require.NoError(t, err)
	require.NotEqual(t, id.NodeID, other.NodeID)
}

func TestSignRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	sig, err := id.Sign([]byte("payload"))
	require.NoError(t, err)
	require.True(t, crypto.Verify(id.SignPub, []byte("payload"), sig))
}

func TestSharedWithAgreesWithEphemeral(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	eph, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	ephPub, err := eph.Public()
	require.NoError(t, err)

	fromEph, err := eph.Shared(id.EncPub)
	require.NoError(t, err)
	fromStatic, err := id.SharedWith(ephPub)
	require.NoError(t, err)
	require.Equal(t, fromEph, fromStatic)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	v, err := vault.Open(t.TempDir(), []byte("secret"), []byte("salt-0123456789"), vault.Options{})
	require.NoError(t, err)
	defer v.Close()

	id, err := New()
	require.NoError(t, err)
	require.NoError(t, id.Save(v))

	loaded, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, id.ID, loaded.ID)
	require.Equal(t, id.NodeID, loaded.NodeID)
	require.Equal(t, id.SignPub, loaded.SignPub)
	require.Equal(t, id.EncPub, loaded.EncPub)

	sig, err := loaded.Sign([]byte("after reload"))
	require.NoError(t, err)
	require.True(t, crypto.Verify(id.SignPub, []byte("after reload"), sig))
}

func TestLoadMissingIdentity(t *testing.T) {
	v, err := vault.Open(t.TempDir(), []byte("secret"), []byte("salt-0123456789"), vault.Options{})
	require.NoError(t, err)
	defer v.Close()

	_, err = Load(v)
	require.Error(t, err)
}

func TestLoadWrongSecretIsDecryptionFailed(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir, []byte("right-secret"), []byte("salt-0123456789"), vault.Options{})
	require.NoError(t, err)
	id, err := New()
	require.NoError(t, err)
	require.NoError(t, id.Save(v))
	require.NoError(t, v.Close())

	v2, err := vault.Open(dir, []byte("wrong-secret"), []byte("salt-0123456789"), vault.Options{})
	require.NoError(t, err)
	defer v2.Close()

	// A wrong secret must look like bad credentials, not a missing identity.
	_, err = Load(v2)
	require.ErrorIs(t, err, vault.ErrDecryptionFailed)
}
