// Package agentid validates ERC-8004 agent identifiers.
//
// An agent ID is an unsigned 256-bit integer carried through the system as a
// base-10 string. Only this package ever parses one; everything else treats
// the canonical string as opaque.
package agentid

import (
	"errors"
	"math/big"
	"sort"
	"strings"
)

var (
	ErrMissing    = errors.New("agentid: agent ID is required")
	ErrNotNumeric = errors.New("agentid: agent ID must contain only decimal digits")
	ErrOutOfRange = errors.New("agentid: agent ID exceeds uint256 range")
)

// maxUint256 is 2^256 - 1, the largest representable agent ID.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ID is a validated agent identifier.
type ID struct {
	value *big.Int
}

// Parse validates raw and returns the canonical ID.
// Accepted input is a non-empty ASCII digit string in [0, 2^256-1].
// No sign, no hex, no whitespace.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, ErrMissing
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return ID{}, ErrNotNumeric
		}
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return ID{}, ErrNotNumeric
	}
	if v.Cmp(maxUint256) > 0 {
		return ID{}, ErrOutOfRange
	}
	return ID{value: v}, nil
}

// MustParse is Parse for trusted inputs; it panics on error.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// BigInt returns a copy of the identifier value.
func (id ID) BigInt() *big.Int {
	if id.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(id.value)
}

// String returns the canonical decimal form (leading zeros dropped).
func (id ID) String() string {
	if id.value == nil {
		return "0"
	}
	return id.value.String()
}

// Cmp compares two IDs numerically.
func (id ID) Cmp(other ID) int {
	return id.BigInt().Cmp(other.BigInt())
}

// SortDecimal sorts decimal ID strings ascending by numeric value in place.
// Inputs are expected to be validated; for canonical digit strings numeric
// order is length order, then lexicographic.
func SortDecimal(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return lessDecimal(ids[i], ids[j]) })
}

func lessDecimal(a, b string) bool {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
