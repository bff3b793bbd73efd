package domain

import (
	"fmt"
	"math/big"
	"strings"

	"lukechampine.com/uint128"
)

// Amount is an unsigned 128-bit integer quantity of tokens or shares,
// expressed in the token's smallest unit.
type Amount = uint128.Uint128

// Address identifies an account: a depositor, the owner, a source or the vault itself.
type Address string

// SourceID identifies a yield source adapter.
type SourceID string

// Token identifies an asset held in custody.
type Token string

// NativeToken is the chain's native asset, recoverable through Sweep.
const NativeToken Token = "native"

// BasisPoints is the denominator for weights, fees and rates.
const BasisPoints = 10_000

// Zero is the zero Amount.
var Zero = uint128.Zero

// RewardAmount pairs a reward token with a quantity.
type RewardAmount struct {
	Token  Token  `json:"token" msgpack:"token"`
	Amount Amount `json:"-" msgpack:"-"`
}

// Allocation is a single source entry of the weight table.
type Allocation struct {
	Source SourceID `json:"source"`
	Weight uint16   `json:"weight_bps"`
}

// Holding is one share holder balance.
type Holding struct {
	Holder Address `json:"holder"`
	Shares Amount  `json:"-"`
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	return uint128.From64(v)
}

// ParseAmount parses a base-10 integer string into an Amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty amount")
	}
	v, err := uint128.FromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// MulDiv computes floor(a*b/c) without intermediate overflow.
// It panics when c is zero or the result does not fit in 128 bits; use
// CheckedMulDiv unless b <= c.
func MulDiv(a, b, c Amount) Amount {
	r, err := CheckedMulDiv(a, b, c)
	if err != nil {
		panic("domain: " + err.Error())
	}
	return r
}

// CheckedMulDiv computes floor(a*b/c), failing with ErrAmountOverflow when
// the quotient needs more than 128 bits.
func CheckedMulDiv(a, b, c Amount) (Amount, error) {
	if c.IsZero() {
		return Zero, fmt.Errorf("MulDiv by zero")
	}
	if a.IsZero() || b.IsZero() {
		return Zero, nil
	}
	r := new(big.Int).Mul(a.Big(), b.Big())
	r.Quo(r, c.Big())
	if r.BitLen() > 128 {
		return Zero, fmt.Errorf("%w: %s * %s / %s", ErrAmountOverflow, a, b, c)
	}
	return uint128.FromBig(r), nil
}

// MulBps returns floor(amount*bps/10000).
func MulBps(amount Amount, bps uint64) Amount {
	return MulDiv(amount, uint128.From64(bps), uint128.From64(BasisPoints))
}

// SubFloor returns a-b, or zero when b exceeds a.
func SubFloor(a, b Amount) Amount {
	if b.Cmp(a) >= 0 {
		return Zero
	}
	return a.Sub(b)
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
