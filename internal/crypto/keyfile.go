// Package crypto provides account keys, transaction signing and encrypted
// key files for the marketplace client.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
var pbkdf2Iterations = 480_000

const (
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// keyFileVersion is the encrypted key file schema version.
	keyFileVersion = 2
)

// keyFile is the on-disk format of an encrypted account key. The plaintext
// is the 32-byte seed; the scheme travels alongside it.
type keyFile struct {
	Version    int    `json:"version"`
	Scheme     string `json:"scheme"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// KeyConfig carries the information LoadSigner needs to resolve the
// account key.
type KeyConfig struct {
	// PrivateKey is either a bech32 "suiprivkey1..." string or a hex seed.
	PrivateKey string

	// Scheme applies to hex seeds; bech32 keys carry their own.
	Scheme string

	// KeyFile is the path to a JSON file produced by EncryptSigner.
	KeyFile string

	// KeyPassword decrypts KeyFile.
	KeyPassword string
}

// EncryptSigner seals the signer's key with a password using PBKDF2-HMAC-
// SHA256 key derivation and AES-256-GCM.
func EncryptSigner(s *Signer, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keyfile: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/keyfile: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/keyfile: generating nonce: %w", err)
	}

	// The address is bound as additional data so a swapped header fails
	// to open.
	ciphertext := gcm.Seal(nil, nonce, s.seed, []byte(s.address))

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Scheme:     s.scheme.String(),
		Address:    s.address,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, "", "  ")
}

// DecryptSigner opens a key file produced by EncryptSigner.
func DecryptSigner(data []byte, password string) (*Signer, error) {
	if password == "" {
		return nil, errors.New("crypto/keyfile: password must not be empty")
	}

	var stored keyFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("crypto/keyfile: parsing key file: %w", err)
	}
	if stored.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto/keyfile: unsupported version %d", stored.Version)
	}
	scheme, err := ParseScheme(stored.Scheme)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto/keyfile: nonce length %d", len(nonce))
	}
	seed, err := gcm.Open(nil, nonce, ciphertext, []byte(stored.Address))
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: decryption failed (wrong password?): %w", err)
	}

	s, err := NewSigner(scheme, seed)
	if err != nil {
		return nil, err
	}
	if s.address != stored.Address {
		return nil, fmt.Errorf("crypto/keyfile: key does not match address %s", stored.Address)
	}
	return s, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/keyfile: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadSigner resolves the account key from cfg.
//
// Resolution order:
//  1. PrivateKey, as bech32 when it carries the suiprivkey prefix, else hex.
//  2. KeyFile, decrypted with KeyPassword.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	if k := strings.TrimSpace(cfg.PrivateKey); k != "" {
		if strings.HasPrefix(k, privateKeyHRP) {
			return ParsePrivateKey(k)
		}
		scheme, err := ParseScheme(cfg.Scheme)
		if err != nil {
			return nil, err
		}
		return NewSignerFromHex(scheme, k)
	}

	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto/keyfile: reading key file: %w", err)
		}
		return DecryptSigner(data, cfg.KeyPassword)
	}

	return nil, errors.New("crypto: no key source configured (set wallet.private_key or wallet.key_file)")
}
