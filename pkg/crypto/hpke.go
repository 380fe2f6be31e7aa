package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
)

// Sealed payload layout: encapsulated key (32 bytes for X25519) || AEAD ciphertext.
// Order payloads are sealed to the boundary key; match results are sealed to
// the owner's key with the owner address as associated data.
var (
	infoOrder  = []byte("shadowswap/order/v1")
	infoResult = []byte("shadowswap/result/v1")
)

var (
	kemID = hpke.KEM_X25519_HKDF_SHA256
	suite = hpke.NewSuite(kemID, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
)

// KeyPair is an X25519 HPKE key pair.
type KeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	pk, sk, err := kemID.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate hpke key: %w", err)
	}
	return &KeyPair{Public: pk, Private: sk}, nil
}

// KeyPairFromSeed derives a key pair deterministically from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	scheme := kemID.Scheme()
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("hpke seed must be %d bytes, got %d", scheme.SeedSize(), len(seed))
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	return &KeyPair{Public: pk, Private: sk}, nil
}

// KeyPairFromHex derives a key pair from a hex seed ("0x" prefix optional).
func KeyPairFromHex(s string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse hpke seed: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// PublicBytes returns the marshalled public key.
func (k *KeyPair) PublicBytes() []byte {
	b, _ := k.Public.MarshalBinary()
	return b
}

func (k *KeyPair) PublicHex() string { return hex.EncodeToString(k.PublicBytes()) }

func parsePublic(b []byte) (kem.PublicKey, error) {
	pk, err := kemID.Scheme().UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("invalid hpke public key: %w", err)
	}
	return pk, nil
}

func seal(pub kem.PublicKey, info, aad, pt []byte) ([]byte, error) {
	sender, err := suite.NewSender(pub, info)
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, err
	}
	ct, err := sealer.Seal(pt, aad)
	if err != nil {
		return nil, err
	}
	return append(enc, ct...), nil
}

func open(priv kem.PrivateKey, info, aad, sealed []byte) ([]byte, error) {
	encSize := kemID.Scheme().CiphertextSize()
	if len(sealed) <= encSize {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}
	receiver, err := suite.NewReceiver(priv, info)
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(sealed[:encSize])
	if err != nil {
		return nil, err
	}
	return opener.Open(sealed[encSize:], aad)
}

// HPKEBoundary is an in-process matching.Boundary: it holds the boundary
// private key, opens order payloads and seals results to owner keys.
type HPKEBoundary struct {
	keys *KeyPair
}

func NewHPKEBoundary(keys *KeyPair) *HPKEBoundary {
	return &HPKEBoundary{keys: keys}
}

// PublicKey is what clients seal orders to.
func (b *HPKEBoundary) PublicKey() []byte { return b.keys.PublicBytes() }

func (b *HPKEBoundary) Reveal(ctx context.Context, ciphertext []byte) (matching.Plaintext, error) {
	if err := ctx.Err(); err != nil {
		return matching.Plaintext{}, err
	}
	pt, err := open(b.keys.Private, infoOrder, nil, ciphertext)
	if err != nil {
		return matching.Plaintext{}, fmt.Errorf("open order payload: %w", err)
	}
	return matching.DecodePlaintext(pt)
}

func (b *HPKEBoundary) Seal(ctx context.Context, scope matching.OwnerScope, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, err := parsePublic(scope.Key)
	if err != nil {
		return nil, err
	}
	return seal(pub, infoResult, scope.Owner.Bytes(), plaintext)
}

// SealOrder encrypts an order plaintext to the boundary public key.
func SealOrder(boundaryPub []byte, p matching.Plaintext) ([]byte, error) {
	pub, err := parsePublic(boundaryPub)
	if err != nil {
		return nil, err
	}
	return seal(pub, infoOrder, nil, matching.EncodePlaintext(p))
}

// OpenResult decrypts one sealed result field with the owner's key.
func OpenResult(keys *KeyPair, scope matching.OwnerScope, sealed []byte) (uint64, error) {
	pt, err := open(keys.Private, infoResult, scope.Owner.Bytes(), sealed)
	if err != nil {
		return 0, fmt.Errorf("open result: %w", err)
	}
	return matching.DecodeResultField(pt)
}

// PayloadDigest is the BLAKE2b-256 digest recorded for every sealed payload.
func PayloadDigest(payload []byte) [32]byte {
	return blake2b.Sum256(payload)
}

var _ matching.Boundary = (*HPKEBoundary)(nil)
