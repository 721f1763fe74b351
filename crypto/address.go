package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Address is an opaque 20-byte account identifier. The zero value doubles as
// the "no token" sentinel for collateral-free agreements.
type Address [20]byte

// Hash is a 32-byte identifier derived from keccak256.
type Hash [32]byte

// ErrInvalidAddress marks malformed address encodings.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// ZeroAddress is the sentinel address.
var ZeroAddress = Address{}

// IsZero reports whether the address equals the zero sentinel.
func (a Address) IsZero() bool { return a == Address{} }

// Hex returns the lowercase hex encoding without a prefix.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// String implements fmt.Stringer.
func (a Address) String() string { return "0x" + a.Hex() }

// ParseAddress decodes a hex address with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// Hex returns the lowercase hex encoding of the hash without a prefix.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash equals the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// ParseHash decodes a 32-byte hex identifier.
func ParseHash(s string) (Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 32 {
		return Hash{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidAddress, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// DeriveID computes a stable identifier from the actor, its monotonic
// per-actor sequence, the block timestamp and the supplied term encodings.
func DeriveID(actor Address, seq uint64, timestamp int64, terms ...[]byte) Hash {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	parts := make([][]byte, 0, len(terms)+3)
	parts = append(parts, actor[:], seqBuf[:], tsBuf[:])
	parts = append(parts, terms...)
	digest := ethcrypto.Keccak256(parts...)
	var id Hash
	copy(id[:], digest)
	return id
}

// BigBytes encodes a big integer for id derivation. Nil and zero collapse to a
// single zero byte so derived ids stay stable across representations.
func BigBytes(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return []byte{0}
	}
	return v.Bytes()
}
