package ledger

import (
	"fmt"
	"math/big"
)

// Uint64 converts a decoded method return value to uint64.
func Uint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case *big.Int:
		if n != nil && n.IsUint64() {
			return n.Uint64(), nil
		}
	}
	return 0, fmt.Errorf("unexpected uint64 return value %v (%T)", v, v)
}

// Bool converts a decoded method return value to bool.
func Bool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected bool return value %v (%T)", v, v)
	}
	return b, nil
}

// String converts a decoded method return value to string.
func String(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("unexpected string return value %v (%T)", v, v)
}
