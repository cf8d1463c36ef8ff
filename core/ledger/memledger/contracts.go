package memledger

import (
	"fmt"
	"math"
	"strings"

	"chainid/core/ledger"
)

// Method is one ABI method of a simulated contract.
type Method struct {
	ReadOnly bool
	Invoke   func(app *App, sender string, args []any) (any, error)
}

// Contract binds a contract name to its storage layout and behaviour.
type Contract struct {
	Name    string
	Schema  ledger.Schema
	Init    func(app *App)
	Methods map[string]Method
}

const (
	keyAdmin         = "admin"
	keyPaused        = "contract_paused"
	keyTotalVerified = "total_verified_users"
	keyTotalPayments = "total_payments_processed"

	maxPaymentBaseUnits = 1_000_000
)

// IdentityRegistry mirrors the identity registry contract: an admin, a pause
// switch and an aggregate count of registrations.
var IdentityRegistry = Contract{
	Name:   "IdentityRegistry",
	Schema: ledger.Schema{GlobalInts: 1, GlobalBytes: 2},
	Init: func(app *App) {
		app.Global[keyAdmin] = app.Creator
		app.Global[keyTotalVerified] = uint64(0)
		app.Global[keyPaused] = false
	},
	Methods: map[string]Method{
		"register_identity": {Invoke: func(app *App, _ string, args []any) (any, error) {
			if err := requireArgs(args, 2); err != nil {
				return nil, err
			}
			if paused(app) {
				return nil, ledger.Reject("Contract paused")
			}
			if _, err := addressArg(args[0]); err != nil {
				return nil, err
			}
			level, err := uintArg(args[1])
			if err != nil {
				return nil, err
			}
			if level < 1 || level > 3 {
				return nil, ledger.Reject("Invalid level")
			}
			app.Global[keyTotalVerified] = app.Global[keyTotalVerified].(uint64) + 1
			return true, nil
		}},
		"verify_identity": {ReadOnly: true, Invoke: func(_ *App, _ string, args []any) (any, error) {
			if err := requireArgs(args, 1); err != nil {
				return nil, err
			}
			if _, err := addressArg(args[0]); err != nil {
				return nil, err
			}
			// The deployed registry treats every address as verified.
			return true, nil
		}},
		"get_total_verified_users": {ReadOnly: true, Invoke: func(app *App, _ string, _ []any) (any, error) {
			return app.Global[keyTotalVerified], nil
		}},
		"set_admin": {Invoke: func(app *App, sender string, args []any) (any, error) {
			if err := requireArgs(args, 1); err != nil {
				return nil, err
			}
			if err := onlyAdmin(app, sender); err != nil {
				return nil, err
			}
			addr, err := addressArg(args[0])
			if err != nil {
				return nil, err
			}
			app.Global[keyAdmin] = addr
			return true, nil
		}},
		"pause_contract":   {Invoke: setPaused(true)},
		"unpause_contract": {Invoke: setPaused(false)},
		"get_admin": {ReadOnly: true, Invoke: func(app *App, _ string, _ []any) (any, error) {
			return app.Global[keyAdmin], nil
		}},
		"is_paused": {ReadOnly: true, Invoke: func(app *App, _ string, _ []any) (any, error) {
			return paused(app), nil
		}},
		"hello": {ReadOnly: true, Invoke: func(_ *App, _ string, args []any) (any, error) {
			if err := requireArgs(args, 1); err != nil {
				return nil, err
			}
			name, ok := args[0].(string)
			if !ok {
				return nil, ledger.Reject("hello expects a string")
			}
			return "Hello, " + name, nil
		}},
	},
}

// PaymentProcessor mirrors the payment processor contract. Amounts are bounded
// to (0, 1_000_000] base units per payment.
var PaymentProcessor = Contract{
	Name:   "PaymentProcessor",
	Schema: ledger.Schema{GlobalInts: 1, GlobalBytes: 2},
	Init: func(app *App) {
		app.Global[keyAdmin] = app.Creator
		app.Global[keyTotalPayments] = uint64(0)
		app.Global[keyPaused] = false
	},
	Methods: map[string]Method{
		"process_payment": {Invoke: func(app *App, _ string, args []any) (any, error) {
			if err := requireArgs(args, 2); err != nil {
				return nil, err
			}
			if paused(app) {
				return nil, ledger.Reject("Contract paused")
			}
			if _, err := addressArg(args[0]); err != nil {
				return nil, err
			}
			amount, err := uintArg(args[1])
			if err != nil {
				return nil, err
			}
			if amount == 0 || amount > maxPaymentBaseUnits {
				return nil, ledger.Reject("Invalid amount")
			}
			app.Global[keyTotalPayments] = app.Global[keyTotalPayments].(uint64) + 1
			return true, nil
		}},
		"get_total_payments": {ReadOnly: true, Invoke: func(app *App, _ string, _ []any) (any, error) {
			return app.Global[keyTotalPayments], nil
		}},
		"get_admin": {ReadOnly: true, Invoke: func(app *App, _ string, _ []any) (any, error) {
			return app.Global[keyAdmin], nil
		}},
		"pause_contract": {Invoke: setPaused(true)},
	},
}

func setPaused(value bool) func(app *App, sender string, args []any) (any, error) {
	return func(app *App, sender string, _ []any) (any, error) {
		if err := onlyAdmin(app, sender); err != nil {
			return nil, err
		}
		app.Global[keyPaused] = value
		return true, nil
	}
}

func paused(app *App) bool {
	v, _ := app.Global[keyPaused].(bool)
	return v
}

func onlyAdmin(app *App, sender string) error {
	if admin, _ := app.Global[keyAdmin].(string); admin != sender {
		return ledger.Reject("Only admin")
	}
	return nil
}

func requireArgs(args []any, n int) error {
	if len(args) != n {
		return ledger.Reject("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func addressArg(v any) (string, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", ledger.Reject("invalid address argument %v", v)
	}
	return s, nil
}

func uintArg(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
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
	case float64:
		if n >= 0 && n <= math.MaxUint64 && n == math.Trunc(n) {
			return uint64(n), nil
		}
	}
	return 0, ledger.Reject("invalid uint64 argument %s", fmt.Sprint(v))
}
