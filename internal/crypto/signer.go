package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Scheme is the signature scheme flag byte that prefixes serialized
// signatures and feeds address derivation.
type Scheme byte

const (
	SchemeEd25519   Scheme = 0x00
	SchemeSecp256k1 Scheme = 0x01
)

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeSecp256k1:
		return "secp256k1"
	default:
		return fmt.Sprintf("scheme(0x%02x)", byte(s))
	}
}

// ParseScheme maps a configuration name to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ed25519":
		return SchemeEd25519, nil
	case "secp256k1":
		return SchemeSecp256k1, nil
	default:
		return 0, fmt.Errorf("crypto/signer: unknown scheme %q: %w", name, domain.ErrInvalidArgument)
	}
}

// privateKeyHRP is the bech32 prefix of exported private keys.
const privateKeyHRP = "suiprivkey"

// transactionIntent prefixes transaction bytes before hashing: scope
// TransactionData, version V0, app id Sui.
var transactionIntent = [3]byte{0, 0, 0}

const (
	ed25519SigLen   = ed25519.SignatureSize
	secp256k1SigLen = 64
	secp256k1PubLen = 33
)

// Signer holds one account key and signs transaction data for it.
type Signer struct {
	scheme  Scheme
	ed      ed25519.PrivateKey
	ec      *ecdsa.PrivateKey
	seed    []byte
	pub     []byte
	address string
}

// NewSigner creates a Signer from a 32-byte private key seed.
func NewSigner(scheme Scheme, seed []byte) (*Signer, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("crypto/signer: expected 32-byte key, got %d bytes: %w", len(seed), domain.ErrInvalidArgument)
	}
	s := &Signer{scheme: scheme, seed: append([]byte(nil), seed...)}
	switch scheme {
	case SchemeEd25519:
		s.ed = ed25519.NewKeyFromSeed(seed)
		s.pub = []byte(s.ed.Public().(ed25519.PublicKey))
	case SchemeSecp256k1:
		pk, err := ethcrypto.ToECDSA(seed)
		if err != nil {
			return nil, fmt.Errorf("crypto/signer: invalid secp256k1 key: %w", err)
		}
		s.ec = pk
		s.pub = ethcrypto.CompressPubkey(&pk.PublicKey)
	default:
		return nil, fmt.Errorf("crypto/signer: unsupported scheme %s: %w", scheme, domain.ErrInvalidArgument)
	}
	s.address = DeriveAddress(scheme, s.pub)
	return s, nil
}

// NewSignerFromHex creates a Signer from a hex-encoded seed, with or without
// a 0x prefix.
func NewSignerFromHex(scheme Scheme, keyHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key hex: %w", domain.ErrInvalidArgument)
	}
	return NewSigner(scheme, seed)
}

// ParsePrivateKey decodes a bech32 "suiprivkey1..." string. The scheme is
// taken from the encoded flag byte.
func ParsePrivateKey(encoded string) (*Signer, error) {
	hrp, data, err := bech32.DecodeToBase256(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: decode private key: %v: %w", err, domain.ErrInvalidArgument)
	}
	if hrp != privateKeyHRP || len(data) != 33 {
		return nil, fmt.Errorf("crypto/signer: not a %s key: %w", privateKeyHRP, domain.ErrInvalidArgument)
	}
	return NewSigner(Scheme(data[0]), data[1:])
}

// ExportPrivateKey encodes the key in the bech32 form ParsePrivateKey reads.
func (s *Signer) ExportPrivateKey() (string, error) {
	payload := append([]byte{byte(s.scheme)}, s.seed...)
	out, err := bech32.EncodeFromBase256(privateKeyHRP, payload)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: encode private key: %w", err)
	}
	return out, nil
}

// Address returns the account address derived from the public key.
func (s *Signer) Address() string { return s.address }

// Scheme returns the signature scheme.
func (s *Signer) Scheme() Scheme { return s.scheme }

// PublicKey returns the raw public key bytes (32 for ed25519, 33 compressed
// for secp256k1).
func (s *Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// SignTransaction signs BCS transaction data and returns the serialized
// signature, base64 encoded: flag || signature || public key.
func (s *Signer) SignTransaction(txBytes []byte) (string, error) {
	digest := IntentDigest(txBytes)
	var sig []byte
	switch s.scheme {
	case SchemeEd25519:
		sig = ed25519.Sign(s.ed, digest[:])
	case SchemeSecp256k1:
		h := sha256.Sum256(digest[:])
		full, err := ethcrypto.Sign(h[:], s.ec)
		if err != nil {
			return "", fmt.Errorf("crypto/signer: signing: %w", err)
		}
		// drop the recovery id
		sig = full[:secp256k1SigLen]
	}
	out := make([]byte, 0, 1+len(sig)+len(s.pub))
	out = append(out, byte(s.scheme))
	out = append(out, sig...)
	out = append(out, s.pub...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// IntentDigest is the 32-byte message that transaction signatures cover.
func IntentDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(transactionIntent)+len(txBytes))
	msg = append(msg, transactionIntent[:]...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}

// DeriveAddress computes the account address of a public key.
func DeriveAddress(scheme Scheme, pub []byte) string {
	buf := make([]byte, 0, 1+len(pub))
	buf = append(buf, byte(scheme))
	buf = append(buf, pub...)
	sum := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:])
}

// VerifyTransaction checks a serialized signature over txBytes and returns
// the address of the signing key.
func VerifyTransaction(txBytes []byte, serialized string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("crypto/signer: malformed signature: %w", domain.ErrInvalidArgument)
	}
	scheme := Scheme(raw[0])
	digest := IntentDigest(txBytes)

	switch scheme {
	case SchemeEd25519:
		if len(raw) != 1+ed25519SigLen+ed25519.PublicKeySize {
			return "", fmt.Errorf("crypto/signer: ed25519 signature length %d: %w", len(raw), domain.ErrInvalidArgument)
		}
		sig, pub := raw[1:1+ed25519SigLen], raw[1+ed25519SigLen:]
		if !ed25519.Verify(pub, digest[:], sig) {
			return "", fmt.Errorf("crypto/signer: ed25519 signature does not verify: %w", domain.ErrInvalidArgument)
		}
		return DeriveAddress(scheme, pub), nil
	case SchemeSecp256k1:
		if len(raw) != 1+secp256k1SigLen+secp256k1PubLen {
			return "", fmt.Errorf("crypto/signer: secp256k1 signature length %d: %w", len(raw), domain.ErrInvalidArgument)
		}
		sig, pub := raw[1:1+secp256k1SigLen], raw[1+secp256k1SigLen:]
		h := sha256.Sum256(digest[:])
		if !ethcrypto.VerifySignature(pub, h[:], sig) {
			return "", fmt.Errorf("crypto/signer: secp256k1 signature does not verify: %w", domain.ErrInvalidArgument)
		}
		return DeriveAddress(scheme, pub), nil
	default:
		return "", fmt.Errorf("crypto/signer: unsupported scheme %s: %w", scheme, domain.ErrInvalidArgument)
	}
}
