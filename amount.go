package crosspay

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed-point scale of all engine amounts.
// Amounts travel on the wire as decimal strings of atomic units to avoid
// floating-point loss.
const AmountDecimals = 6

// ParseAtomic parses a wire amount: a non-negative base-10 integer string of
// atomic units.
func ParseAtomic(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewError(ErrCodeInvalidRequest, fmt.Sprintf("amount %q is not a base-10 integer", s), nil)
	}
	if v.Sign() < 0 {
		return nil, NewError(ErrCodeInvalidRequest, fmt.Sprintf("amount %q is negative", s), nil)
	}
	return v, nil
}

// ParseDecimalAmount parses a human-readable token amount such as "12.50"
// into atomic units. More than AmountDecimals fractional digits is an error,
// never a silent truncation.
func ParseDecimalAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, NewError(ErrCodeInvalidRequest, fmt.Sprintf("amount %q is not a decimal number", s), err)
	}
	if d.IsNegative() {
		return nil, NewError(ErrCodeInvalidRequest, fmt.Sprintf("amount %q is negative", s), nil)
	}

	atomic := d.Shift(AmountDecimals)
	if !atomic.IsInteger() {
		return nil, NewError(ErrCodeInvalidRequest,
			fmt.Sprintf("amount %q has more than %d decimal places", s, AmountDecimals), nil)
	}

	return atomic.BigInt(), nil
}

// FormatAmount renders atomic units as a human-readable decimal string.
func FormatAmount(atomic *big.Int) string {
	if atomic == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atomic, -AmountDecimals).String()
}
