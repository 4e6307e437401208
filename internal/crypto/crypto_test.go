package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

func init() {
	// Key derivation cost is irrelevant to these tests.
	pbkdf2Iterations = 1000
}

var seed = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
	0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20,
}

func TestSignAndVerify(t *testing.T) {
	for _, scheme := range []Scheme{SchemeEd25519, SchemeSecp256k1} {
		t.Run(scheme.String(), func(t *testing.T) {
			s, err := NewSigner(scheme, seed)
			require.NoError(t, err)
			assert.Len(t, s.Address(), 66)
			assert.True(t, strings.HasPrefix(s.Address(), "0x"))

			tx := []byte("transaction bytes")
			sig, err := s.SignTransaction(tx)
			require.NoError(t, err)

			raw, err := base64.StdEncoding.DecodeString(sig)
			require.NoError(t, err)
			assert.Equal(t, byte(scheme), raw[0])

			addr, err := VerifyTransaction(tx, sig)
			require.NoError(t, err)
			assert.Equal(t, s.Address(), addr)

			_, err = VerifyTransaction([]byte("other bytes"), sig)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestSchemesDeriveDifferentAddresses(t *testing.T) {
	ed, err := NewSigner(SchemeEd25519, seed)
	require.NoError(t, err)
	ec, err := NewSigner(SchemeSecp256k1, seed)
	require.NoError(t, err)
	assert.NotEqual(t, ed.Address(), ec.Address())
	assert.Len(t, ed.PublicKey(), 32)
	assert.Len(t, ec.PublicKey(), 33)
}

func TestPrivateKeyBech32RoundTrip(t *testing.T) {
	s, err := NewSigner(SchemeSecp256k1, seed)
	require.NoError(t, err)

	encoded, err := s.ExportPrivateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "suiprivkey1"))

	back, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), back.Address())
	assert.Equal(t, SchemeSecp256k1, back.Scheme())

	_, err = ParsePrivateKey("suiprivkey1invalid")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestKeyFileRoundTrip(t *testing.T) {
	s, err := NewSigner(SchemeEd25519, seed)
	require.NoError(t, err)

	blob, err := EncryptSigner(s, "hunter2")
	require.NoError(t, err)

	back, err := DecryptSigner(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, s.Address(), back.Address())

	_, err = DecryptSigner(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptSigner(s, "")
	assert.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	s, err := NewSigner(SchemeEd25519, seed)
	require.NoError(t, err)

	fromHex, err := LoadSigner(KeyConfig{PrivateKey: "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), fromHex.Address())

	encoded, err := s.ExportPrivateKey()
	require.NoError(t, err)
	fromBech, err := LoadSigner(KeyConfig{PrivateKey: encoded, Scheme: "secp256k1"})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), fromBech.Address())

	blob, err := EncryptSigner(s, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	fromFile, err := LoadSigner(KeyConfig{KeyFile: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), fromFile.Address())

	_, err = LoadSigner(KeyConfig{})
	assert.Error(t, err)
	_, err = LoadSigner(KeyConfig{PrivateKey: "abcd", Scheme: "ed25519"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = LoadSigner(KeyConfig{PrivateKey: "0x01", Scheme: "rsa"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
