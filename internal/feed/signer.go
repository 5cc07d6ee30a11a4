package feed

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Signer signs feed-provider login challenges with an EIP-191 personal_sign
// signature over a secp256k1 key.
type Signer struct {
	key *btcec.PrivateKey
}

func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("feed: invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("feed: private key must be 32 bytes, got %d", len(b))
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return &Signer{key: key}, nil
}

// Address returns the EIP-55 checksummed address for this key.
func (s *Signer) Address() string {
	return pubKeyToEthAddress(s.key.PubKey())
}

// SignMessage returns the hex signature (0x + R||S||V, V in 27/28) of the
// EIP-191 prefixed message.
func (s *Signer) SignMessage(message string) (string, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := keccak256([]byte(prefixed))

	// SignCompact yields [V (27+recid)] + [R] + [S]; Ethereum wants R||S||V.
	compact := ecdsa.SignCompact(s.key, hash, false)
	if len(compact) != 65 {
		return "", fmt.Errorf("feed: unexpected compact signature length %d", len(compact))
	}
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}

// recoverAddress recovers the EIP-55 address that produced an EIP-191
// signature. Used to sanity-check signatures in tests.
func recoverAddress(message, hexSig string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(hexSig, "0x"), "0X")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("feed: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("feed: signature must be 65 bytes, got %d", len(sig))
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := keccak256([]byte(prefixed))

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("feed: invalid recovery id %d", v)
	}
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("feed: recover: %w", err)
	}
	return pubKeyToEthAddress(pub), nil
}

func pubKeyToEthAddress(pub *btcec.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := keccak256(uncompressed[1:])
	return toChecksumAddress(hex.EncodeToString(hash[12:]))
}

// toChecksumAddress applies the EIP-55 mixed-case checksum.
func toChecksumAddress(addr string) string {
	addr = strings.ToLower(addr)
	hash := keccak256([]byte(addr))

	result := make([]byte, 42)
	result[0] = '0'
	result[1] = 'x'
	for i := 0; i < 40; i++ {
		c := addr[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		nibble &= 0x0f
		if nibble >= 8 && c >= 'a' && c <= 'f' {
			result[i+2] = c - 32
		} else {
			result[i+2] = c
		}
	}
	return string(result)
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
