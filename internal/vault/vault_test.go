package vault

import (
	"encoding/json"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func openTestVault(t *testing.T, dir string, secret string) *Vault {
	t.Helper()
	v, err := Open(dir, []byte(secret), []byte("test-salt-0123456789abcdef"), Options{})
	require.NoError(t, err)
	return v
}

func TestPutGetRoundTrip(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	defer v.Close()

	in := testRecord{ID: "r1", Value: "hello"}
	require.NoError(t, v.Put(ColMessages, in.ID, in))

	var out testRecord
	ok, err := v.Get(ColMessages, "r1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestGetMissReturnsFalse(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	defer v.Close()

	var out testRecord
	ok, err := v.Get(ColMessages, "absent", &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelete(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	defer v.Close()

	require.NoError(t, v.Put(ColSettings, "s1", testRecord{ID: "s1"}))
	require.NoError(t, v.Delete(ColSettings, "s1"))
	ok, err := v.Get(ColSettings, "s1", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetAllScansOneCollection(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	defer v.Close()

	require.NoError(t, v.Put(ColMessages, "a", testRecord{ID: "a", Value: "1"}))
	require.NoError(t, v.Put(ColMessages, "b", testRecord{ID: "b", Value: "2"}))
	require.NoError(t, v.Put(ColConversations, "c", testRecord{ID: "c", Value: "3"}))

	seen := map[string]string{}
	err := v.GetAll(ColMessages, func(id string, plain []byte) error {
		var rec testRecord
		require.NoError(t, json.Unmarshal(plain, &rec))
		seen[id] = rec.Value
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestWrongSecretIsDecryptionFailed(t *testing.T) {
	dir := t.TempDir()
	v := openTestVault(t, dir, "right-code")
	require.NoError(t, v.Put(ColSettings, "security", testRecord{ID: "security"}))
	require.NoError(t, v.Put(ColMessages, "m1", testRecord{ID: "m1"}))
	require.NoError(t, v.Close())

	v2 := openTestVault(t, dir, "wrong-code")
	defer v2.Close()

	var out testRecord
	_, err := v2.Get(ColMessages, "m1", &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	err = v2.GetAll(ColMessages, func(string, []byte) error { return nil })
	require.ErrorIs(t, err, ErrDecryptionFailed)

	require.ErrorIs(t, v2.CheckCredentials(), ErrDecryptionFailed)
}

func TestSettingsRecordVerifiedOnUnlock(t *testing.T) {
	dir := t.TempDir()
	v := openTestVault(t, dir, "right-code")
	require.NoError(t, v.Put(ColSettings, SettingsKey, Settings{SecurityLevel: "standard", Salt: v.Salt()}))
	require.NoError(t, v.Close())

	v2 := openTestVault(t, dir, "right-code")
	require.NoError(t, v2.CheckCredentials())
	var s Settings
	ok, err := v2.Get(ColSettings, SettingsKey, &s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "standard", s.SecurityLevel)
	require.NoError(t, v2.Close())

	v3 := openTestVault(t, dir, "wrong-code")
	defer v3.Close()
	require.ErrorIs(t, v3.CheckCredentials(), ErrDecryptionFailed)
}

func TestCheckCredentialsPassesWithRightSecret(t *testing.T) {
	dir := t.TempDir()
	v := openTestVault(t, dir, "right-code")
	require.NoError(t, v.Put(ColSettings, "security", testRecord{ID: "security"}))
	require.NoError(t, v.Close())

	v2 := openTestVault(t, dir, "right-code")
	defer v2.Close()
	require.NoError(t, v2.CheckCredentials())
}

func TestClosedVaultRejectsOperations(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	require.NoError(t, v.Close())

	require.ErrorIs(t, v.Put(ColMessages, "x", testRecord{}), ErrClosed)
	_, err := v.Get(ColMessages, "x", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, v.Delete(ColMessages, "x"), ErrClosed)
}

func TestFreshIVPerPut(t *testing.T) {
	v := openTestVault(t, t.TempDir(), "access-code")
	defer v.Close()

	require.NoError(t, v.Put(ColMessages, "same", testRecord{ID: "same"}))
	rawBefore := rawStored(t, v, ColMessages, "same")
	require.NoError(t, v.Put(ColMessages, "same", testRecord{ID: "same"}))
	rawAfter := rawStored(t, v, ColMessages, "same")
	require.NotEqual(t, rawBefore.IV, rawAfter.IV)
	require.NotEqual(t, rawBefore.Ciphertext, rawAfter.Ciphertext)
}

func rawStored(t *testing.T, v *Vault, collection, id string) EncryptedRecord {
	t.Helper()
	var rec EncryptedRecord
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &rec)
	})
	require.NoError(t, err)
	return rec
}
