package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressHRP is the bech32 human-readable prefix for ledger accounts.
const AddressHRP = "xp"

// AddressLength is the account payload size in bytes.
const AddressLength = 20

// Address represents a 20-byte ledger account address.
type Address struct {
	bytes [AddressLength]byte
}

// ZeroAddress is the empty address; no account hashes to it.
var ZeroAddress Address

// NewAddress wraps a raw 20-byte payload.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes, got %d", AddressLength, len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// MustNewAddress wraps a raw payload and panics on bad length. For tests and
// compile-time constants only.
func MustNewAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the 20-byte payload.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// DecodeAddress parses a bech32 account string with the "xp" prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid bech32 string: %w", err)
	}
	if prefix != AddressHRP {
		return Address{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("crypto: signing digest must be 32 bytes")
	}
	return ethcrypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	addrBytes := ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes()
	a, _ := NewAddress(addrBytes)
	return a
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverAddress returns the account that signed the given digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(digest) != 32 {
		return Address{}, errors.New("crypto: recovery digest must be 32 bytes")
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return NewAddress(ethcrypto.PubkeyToAddress(*pub).Bytes())
}
