package ledger

import (
	"fmt"
	"strings"

	"cosmossdk.io/math"
)

// TokenDecimals is the number of base units per token exponent. All stored
// amounts are integers of base units.
const TokenDecimals = 24

var oneToken = math.NewIntWithDecimal(1, TokenDecimals)

// Tokens converts a whole number of tokens to base units.
func Tokens(n int64) math.Int {
	return math.NewInt(n).Mul(oneToken)
}

// ParseTokens parses a decimal token amount such as "0.1" into base units.
// Precision beyond 18 fractional digits is truncated.
func ParseTokens(s string) (math.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.Int{}, fmt.Errorf("empty token amount")
	}
	d, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return math.Int{}, fmt.Errorf("parse token amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return math.Int{}, fmt.Errorf("token amount %q is negative", s)
	}
	return d.MulInt(oneToken).TruncateInt(), nil
}

// FormatTokens renders base units as a decimal token amount.
func FormatTokens(v math.Int) string {
	if v.IsNil() {
		return "0"
	}
	d := math.LegacyNewDecFromInt(v).QuoInt(oneToken)
	out := strings.TrimRight(d.String(), "0")
	return strings.TrimSuffix(out, ".")
}
