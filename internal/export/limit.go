package export

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	strataerrors "github.com/strata/strata/internal/errors"
)

// jsonNumber is the JSON number grammar; the submatch is the exponent.
var jsonNumber = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE]([+-]?[0-9]+))?$`)

// maxLimitExponent bounds the exponents that are expanded exactly. Anything
// larger is either zero, a fraction or far beyond any plan maximum.
const maxLimitExponent = 1000

// ClampLimit parses a requested row limit of any size and clamps it to max. An
// empty, zero or negative limit means max. Besides plain integers, any JSON
// number with an integral value is accepted, such as 1e3 or 100.0.
func ClampLimit(raw string, max int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return max, nil
	}
	n, err := parseLimit(raw)
	if err != nil {
		return 0, err
	}
	if n.Sign() <= 0 || n.Cmp(big.NewInt(max)) > 0 {
		return max, nil
	}
	return n.Int64(), nil
}

func parseLimit(raw string) (*big.Int, error) {
	if n, ok := new(big.Int).SetString(raw, 10); ok {
		return n, nil
	}
	notInteger := strataerrors.NewValidationError("row_limit must be an integer")

	m := jsonNumber.FindStringSubmatch(raw)
	if m == nil {
		return nil, notInteger
	}
	if m[1] != "" {
		exp, err := strconv.Atoi(m[1])
		if err != nil || exp > maxLimitExponent || exp < -maxLimitExponent {
			mantissa := raw[:strings.IndexAny(raw, "eE")]
			digits := strings.TrimLeft(strings.NewReplacer("-", "", ".", "").Replace(mantissa), "0")
			switch {
			case digits == "":
				return new(big.Int), nil
			case strings.HasPrefix(m[1], "-"):
				return nil, notInteger
			}
			n := new(big.Int).Lsh(big.NewInt(1), 64)
			if strings.HasPrefix(mantissa, "-") {
				n.Neg(n)
			}
			return n, nil
		}
	}

	r, ok := new(big.Rat).SetString(raw)
	if !ok || !r.IsInt() {
		return nil, notInteger
	}
	return new(big.Int).Set(r.Num()), nil
}
