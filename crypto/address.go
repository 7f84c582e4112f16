package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part used when rendering addresses.
type AddressPrefix string

const (
	// PoolPrefix is the prefix shared by every actor address in the pool
	// hierarchy (controller, sub-ledgers, router, token wallets).
	PoolPrefix AddressPrefix = "bt"
)

// AddressLength is the raw byte length of an actor address.
const AddressLength = 20

// Address identifies an actor: the pool controller, a depositor, a
// sub-ledger, the router, a token master or wallet, or a downstream
// protocol. Addresses are comparable and safe to use as map keys.
type Address [AddressLength]byte

// NewAddress builds an address from raw bytes.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// MustAddress is a convenience for fixtures and tests.
func MustAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders the address as bech32 with the pool prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(PoolPrefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeAddress parses a bech32 address produced by Address.String.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if AddressPrefix(prefix) != PoolPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// CodeHash identifies a deployed code template. Sub-ledger addresses are
// bound to the code they were derived with, so an upgraded template yields
// a disjoint address space.
type CodeHash [32]byte

// HashCode derives a code hash from a code blob.
func HashCode(code []byte) CodeHash {
	var h CodeHash
	copy(h[:], ethcrypto.Keccak256(code))
	return h
}

// DeriveSubLedgerAddress computes the deterministic address of the
// sub-ledger owned by owner under the given controller and code template.
// Any actor can recompute the address without a registry lookup.
func DeriveSubLedgerAddress(owner, controller Address, code CodeHash) Address {
	var buf bytes.Buffer
	buf.Write(owner[:])
	buf.Write(controller[:])
	buf.Write(code[:])
	digest := ethcrypto.Keccak256(buf.Bytes())
	var a Address
	copy(a[:], digest[12:])
	return a
}
