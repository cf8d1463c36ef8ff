package rewards

import (
	"math/big"
	"regexp"
	"strings"

	chainerrors "chainid/core/errors"
)

// BaseUnitsPerUnit is the fixed scale between a displayed amount and the
// integer base units a payment carries.
const BaseUnitsPerUnit = 1_000_000

// Plain decimals only: no exponents, fractions, NaN or Inf.
var decimalToken = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// ParseAmount extracts the leading whitespace-separated token of a reward
// descriptor ("0.05 ALGO bonus" yields 0.05) and converts it to base units,
// rounding half away from zero. The conversion is exact decimal arithmetic:
// "0.05" is always 50000.
func ParseAmount(descriptor string) (uint64, error) {
	fields := strings.Fields(descriptor)
	if len(fields) == 0 {
		return 0, chainerrors.Parse(descriptor, "no amount")
	}
	token := fields[0]
	if !decimalToken.MatchString(token) {
		return 0, chainerrors.Parse(descriptor, "amount "+token+" is not a decimal number")
	}
	value, ok := new(big.Rat).SetString(normalizeDecimal(token))
	if !ok {
		return 0, chainerrors.Parse(descriptor, "amount "+token+" is not a decimal number")
	}
	if value.Sign() < 0 {
		return 0, chainerrors.Parse(descriptor, "amount must not be negative")
	}
	scaled := new(big.Rat).Mul(value, big.NewRat(BaseUnitsPerUnit, 1))
	units := roundHalfAway(scaled)
	if !units.IsUint64() {
		return 0, chainerrors.Parse(descriptor, "amount out of range")
	}
	return units.Uint64(), nil
}

// FormatAmount renders base units as a display amount.
func FormatAmount(units uint64) string {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(units), big.NewInt(BaseUnitsPerUnit)).FloatString(6)
}

// normalizeDecimal spells a matched token in the canonical form big.Rat
// parses: "+.5" becomes "0.5" and "5." becomes "5.0".
func normalizeDecimal(token string) string {
	sign := ""
	switch token[0] {
	case '-':
		sign = "-"
		token = token[1:]
	case '+':
		token = token[1:]
	}
	if strings.HasPrefix(token, ".") {
		token = "0" + token
	}
	if strings.HasSuffix(token, ".") {
		token += "0"
	}
	return sign + token
}

// roundHalfAway rounds a non-negative rational to the nearest integer, with
// ties going up.
func roundHalfAway(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Lsh(m, 1).Cmp(r.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
