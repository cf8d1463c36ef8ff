package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrAppNotFound is returned by transports when an application id does not
// resolve to a live application.
var ErrAppNotFound = stderrors.New("ledger: application not found")

// Rejection is returned by transports when the ledger evaluated an operation
// and refused it (fee, signature or contract logic). Anything else a transport
// returns is treated as a network failure.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ledger rejected operation: %s", r.Reason)
}

// Reject builds a Rejection.
func Reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err carries a ledger rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return stderrors.As(err, &r)
}

// Signer is supplied by the wallet layer at session start. Transports may
// require a richer implementation (for example one that can sign transaction
// groups); the facade only relies on the address.
type Signer interface {
	Address() string
}

// Schema is the persistent storage layout an application reserves.
type Schema struct {
	GlobalInts  uint64 `yaml:"global_ints" json:"globalInts"`
	GlobalBytes uint64 `yaml:"global_bytes" json:"globalBytes"`
	LocalInts   uint64 `yaml:"local_ints" json:"localInts"`
	LocalBytes  uint64 `yaml:"local_bytes" json:"localBytes"`
}

// Covers reports whether s reserves at least the storage required by want.
// A deployment whose schema does not cover the current definition cannot be
// upgraded in place.
func (s Schema) Covers(want Schema) bool {
	return s.GlobalInts >= want.GlobalInts &&
		s.GlobalBytes >= want.GlobalBytes &&
		s.LocalInts >= want.LocalInts &&
		s.LocalBytes >= want.LocalBytes
}

// Call is a single ABI method invocation.
type Call struct {
	AppID  uint64
	Method string
	Args   []any
	Sender string
	Signer Signer
}

// Result is what the ledger reports for a confirmed submission.
type Result struct {
	TxIDs          []string
	Return         any
	ConfirmedRound uint64
}

// AppInfo describes a deployed application as the ledger currently sees it.
type AppInfo struct {
	AppID           uint64
	Creator         string
	Schema          Schema
	ApprovalProgram []byte
	ClearProgram    []byte
}

// Program is a compiled application: approval and clear-state programs plus
// the storage layout to reserve on creation.
type Program struct {
	Name     string
	Approval []byte
	Clear    []byte
	Schema   Schema
	Note     []byte
}

// CreatedApp is a live application created by an account, together with the
// note of its creation transaction when the transport can recover it.
type CreatedApp struct {
	AppInfo
	Note []byte
}

// Transport is the network binding beneath the facade. Implementations must
// be safe for concurrent use.
type Transport interface {
	Submit(ctx context.Context, call Call) (Result, error)
	Query(ctx context.Context, call Call) (any, error)
	AppInfo(ctx context.Context, appID uint64) (AppInfo, error)
	Compile(ctx context.Context, source []byte) ([]byte, error)
	CreateApp(ctx context.Context, program Program, sender string, signer Signer) (uint64, Result, error)
	UpdateApp(ctx context.Context, appID uint64, program Program, sender string, signer Signer) (Result, error)
	DeleteApp(ctx context.Context, appID uint64, sender string, signer Signer) (Result, error)
	// CreatedApps lists the live applications created by creator.
	CreatedApps(ctx context.Context, creator string) ([]CreatedApp, error)
	Close() error
}

// DialFunc builds a transport from validated parameters.
type DialFunc func(params Params) (Transport, error)
