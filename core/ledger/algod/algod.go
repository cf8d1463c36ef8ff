// Package algod binds the ledger facade to an Algorand node through the algod
// REST API. Method calls are built and signed with the SDK's atomic
// transaction composer; read-only calls are simulated instead of broadcast.
package algod

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	algodclient "github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"chainid/core/ledger"
)

const (
	defaultWaitRounds = 4
	notePageSize      = 100
)

// NotePrefix marks creation transactions written by the contract resolver.
// Only notes carrying it are fetched from the indexer.
var NotePrefix = []byte("chainid:")

// Transport implements ledger.Transport against algod.
type Transport struct {
	client     *algodclient.Client
	indexer    *indexer.Client
	waitRounds uint64
}

// Dial is a ledger.DialFunc for algod endpoints. The indexer client is built
// only when params name an indexer endpoint.
func Dial(params ledger.Params) (ledger.Transport, error) {
	client, err := algodclient.MakeClient(params.Endpoint, params.Token)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	t := &Transport{client: client, waitRounds: defaultWaitRounds}
	if params.IndexerEndpoint != "" {
		t.indexer, err = indexer.MakeClient(params.IndexerEndpoint, params.IndexerToken)
		if err != nil {
			return nil, fmt.Errorf("indexer client: %w", err)
		}
	}
	return t, nil
}

// Submit implements ledger.Transport.
func (t *Transport) Submit(ctx context.Context, call ledger.Call) (ledger.Result, error) {
	signer, err := signerFor(call.Signer)
	if err != nil {
		return ledger.Result{}, err
	}
	atc, method, err := t.composeCall(ctx, call, signer)
	if err != nil {
		return ledger.Result{}, err
	}
	res, err := atc.Execute(t.client, ctx, t.waitRounds)
	if err != nil {
		return ledger.Result{}, classify(err)
	}
	result := ledger.Result{TxIDs: res.TxIDs, ConfirmedRound: res.ConfirmedRound}
	if len(res.MethodResults) > 0 {
		mr := res.MethodResults[0]
		if mr.DecodeError != nil {
			return result, fmt.Errorf("decode %s return: %w", method.Name, mr.DecodeError)
		}
		result.Return = normalizeReturn(method, mr.ReturnValue)
	}
	return result, nil
}

// Query implements ledger.Transport by simulating the call with an empty
// signature, so nothing is broadcast.
func (t *Transport) Query(ctx context.Context, call ledger.Call) (any, error) {
	atc, method, err := t.composeCall(ctx, call, transaction.EmptyTransactionSigner{})
	if err != nil {
		return nil, err
	}
	resp, err := atc.Simulate(ctx, t.client, models.SimulateRequest{AllowEmptySignatures: true})
	if err != nil {
		return nil, classify(err)
	}
	for _, group := range resp.SimulateResponse.TxnGroups {
		if group.FailureMessage != "" {
			return nil, ledger.Reject("%s", group.FailureMessage)
		}
	}
	if len(resp.MethodResults) == 0 {
		return nil, fmt.Errorf("simulate %s: no method result", method.Name)
	}
	mr := resp.MethodResults[0]
	if mr.DecodeError != nil {
		return nil, fmt.Errorf("decode %s return: %w", method.Name, mr.DecodeError)
	}
	return normalizeReturn(method, mr.ReturnValue), nil
}

// AppInfo implements ledger.Transport.
func (t *Transport) AppInfo(ctx context.Context, appID uint64) (ledger.AppInfo, error) {
	app, err := t.client.GetApplicationByID(appID).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return ledger.AppInfo{}, fmt.Errorf("app %d: %w", appID, ledger.ErrAppNotFound)
		}
		return ledger.AppInfo{}, err
	}
	if app.Deleted {
		return ledger.AppInfo{}, fmt.Errorf("app %d deleted: %w", appID, ledger.ErrAppNotFound)
	}
	return appInfo(app), nil
}

func appInfo(app models.Application) ledger.AppInfo {
	return ledger.AppInfo{
		AppID:   app.Id,
		Creator: app.Params.Creator,
		Schema: ledger.Schema{
			GlobalInts:  app.Params.GlobalStateSchema.NumUint,
			GlobalBytes: app.Params.GlobalStateSchema.NumByteSlice,
			LocalInts:   app.Params.LocalStateSchema.NumUint,
			LocalBytes:  app.Params.LocalStateSchema.NumByteSlice,
		},
		ApprovalProgram: app.Params.ApprovalProgram,
		ClearProgram:    app.Params.ClearStateProgram,
	}
}

// Compile implements ledger.Transport using the node's TEAL compiler.
func (t *Transport) Compile(ctx context.Context, source []byte) ([]byte, error) {
	resp, err := t.client.TealCompile(source).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	program, err := base64.StdEncoding.DecodeString(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("decode compiled program: %w", err)
	}
	return program, nil
}

// CreateApp implements ledger.Transport.
func (t *Transport) CreateApp(ctx context.Context, program ledger.Program, sender string, signer ledger.Signer) (uint64, ledger.Result, error) {
	txSigner, err := signerFor(signer)
	if err != nil {
		return 0, ledger.Result{}, err
	}
	from, sp, err := t.prepare(ctx, sender)
	if err != nil {
		return 0, ledger.Result{}, err
	}
	tx, err := transaction.MakeApplicationCreateTx(
		false,
		program.Approval,
		program.Clear,
		types.StateSchema{NumUint: program.Schema.GlobalInts, NumByteSlice: program.Schema.GlobalBytes},
		types.StateSchema{NumUint: program.Schema.LocalInts, NumByteSlice: program.Schema.LocalBytes},
		nil, nil, nil, nil,
		sp, from, program.Note,
		types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return 0, ledger.Result{}, fmt.Errorf("build create transaction: %w", err)
	}
	result, err := t.executeSingle(ctx, tx, txSigner)
	if err != nil {
		return 0, ledger.Result{}, err
	}
	info, err := transaction.WaitForConfirmation(t.client, result.TxIDs[0], t.waitRounds, ctx)
	if err != nil {
		return 0, result, classify(err)
	}
	if info.ApplicationIndex == 0 {
		return 0, result, fmt.Errorf("create transaction %s confirmed without an application id", result.TxIDs[0])
	}
	return info.ApplicationIndex, result, nil
}

// UpdateApp implements ledger.Transport.
func (t *Transport) UpdateApp(ctx context.Context, appID uint64, program ledger.Program, sender string, signer ledger.Signer) (ledger.Result, error) {
	txSigner, err := signerFor(signer)
	if err != nil {
		return ledger.Result{}, err
	}
	from, sp, err := t.prepare(ctx, sender)
	if err != nil {
		return ledger.Result{}, err
	}
	tx, err := transaction.MakeApplicationUpdateTx(
		appID, nil, nil, nil, nil,
		program.Approval, program.Clear,
		sp, from, program.Note,
		types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("build update transaction: %w", err)
	}
	return t.executeSingle(ctx, tx, txSigner)
}

// DeleteApp implements ledger.Transport.
func (t *Transport) DeleteApp(ctx context.Context, appID uint64, sender string, signer ledger.Signer) (ledger.Result, error) {
	txSigner, err := signerFor(signer)
	if err != nil {
		return ledger.Result{}, err
	}
	from, sp, err := t.prepare(ctx, sender)
	if err != nil {
		return ledger.Result{}, err
	}
	tx, err := transaction.MakeApplicationDeleteTx(
		appID, nil, nil, nil, nil,
		sp, from, nil,
		types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("build delete transaction: %w", err)
	}
	return t.executeSingle(ctx, tx, txSigner)
}

// CreatedApps implements ledger.Transport. The node reports the live
// applications of creator; their creation notes come from the indexer and are
// left empty when no indexer is configured.
func (t *Transport) CreatedApps(ctx context.Context, creator string) ([]ledger.CreatedApp, error) {
	account, err := t.client.AccountInformation(strings.TrimSpace(creator)).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	apps := make([]ledger.CreatedApp, 0, len(account.CreatedApps))
	for _, app := range account.CreatedApps {
		if app.Deleted {
			continue
		}
		apps = append(apps, ledger.CreatedApp{AppInfo: appInfo(app)})
	}
	if t.indexer == nil || len(apps) == 0 {
		return apps, nil
	}
	notes, err := t.creationNotes(ctx, creator)
	if err != nil {
		return nil, err
	}
	for i := range apps {
		apps[i].Note = notes[apps[i].AppID]
	}
	return apps, nil
}

// creationNotes pages through the application calls of creator that carry
// NotePrefix and keeps the note of every creation.
func (t *Transport) creationNotes(ctx context.Context, creator string) (map[uint64][]byte, error) {
	notes := make(map[uint64][]byte)
	next := ""
	for {
		req := t.indexer.LookupAccountTransactions(strings.TrimSpace(creator)).
			TxType("appl").
			NotePrefix(NotePrefix).
			Limit(notePageSize)
		if next != "" {
			req = req.NextToken(next)
		}
		resp, err := req.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("indexer transactions: %w", err)
		}
		for _, tx := range resp.Transactions {
			if tx.CreatedApplicationIndex != 0 {
				notes[tx.CreatedApplicationIndex] = tx.Note
			}
		}
		if resp.NextToken == "" || len(resp.Transactions) == 0 {
			return notes, nil
		}
		next = resp.NextToken
	}
}

// Close implements ledger.Transport. The algod client holds no connections
// that need releasing.
func (t *Transport) Close() error { return nil }

func (t *Transport) composeCall(ctx context.Context, call ledger.Call, signer transaction.TransactionSigner) (*transaction.AtomicTransactionComposer, abi.Method, error) {
	method, err := abi.MethodFromSignature(call.Method)
	if err != nil {
		return nil, abi.Method{}, fmt.Errorf("method signature %q: %w", call.Method, err)
	}
	args, err := encodeArgs(method, call.Args)
	if err != nil {
		return nil, method, err
	}
	from, sp, err := t.prepare(ctx, call.Sender)
	if err != nil {
		return nil, method, err
	}
	var atc transaction.AtomicTransactionComposer
	if err := atc.AddMethodCall(transaction.AddMethodCallParams{
		AppID:           call.AppID,
		Method:          method,
		MethodArgs:      args,
		Sender:          from,
		SuggestedParams: sp,
		OnComplete:      types.NoOpOC,
		Signer:          signer,
	}); err != nil {
		return nil, method, fmt.Errorf("compose %s: %w", method.Name, err)
	}
	return &atc, method, nil
}

func (t *Transport) prepare(ctx context.Context, sender string) (types.Address, types.SuggestedParams, error) {
	from, err := types.DecodeAddress(strings.TrimSpace(sender))
	if err != nil {
		return types.Address{}, types.SuggestedParams{}, ledger.Reject("invalid sender address: %v", err)
	}
	sp, err := t.client.SuggestedParams().Do(ctx)
	if err != nil {
		return types.Address{}, types.SuggestedParams{}, fmt.Errorf("suggested params: %w", err)
	}
	return from, sp, nil
}

func (t *Transport) executeSingle(ctx context.Context, tx types.Transaction, signer transaction.TransactionSigner) (ledger.Result, error) {
	var atc transaction.AtomicTransactionComposer
	if err := atc.AddTransaction(transaction.TransactionWithSigner{Txn: tx, Signer: signer}); err != nil {
		return ledger.Result{}, fmt.Errorf("compose transaction: %w", err)
	}
	res, err := atc.Execute(t.client, ctx, t.waitRounds)
	if err != nil {
		return ledger.Result{}, classify(err)
	}
	if len(res.TxIDs) == 0 {
		return ledger.Result{}, fmt.Errorf("execute returned no transaction ids")
	}
	return ledger.Result{TxIDs: res.TxIDs, ConfirmedRound: res.ConfirmedRound}, nil
}

func signerFor(s ledger.Signer) (transaction.TransactionSigner, error) {
	ts, ok := s.(TransactionSigner)
	if !ok || ts == nil {
		return nil, fmt.Errorf("signer %T cannot sign algod transactions", s)
	}
	return ts.TransactionSigner(), nil
}

func encodeArgs(method abi.Method, args []any) ([]interface{}, error) {
	if len(args) != len(method.Args) {
		return nil, ledger.Reject("%s expects %d arguments, got %d", method.Name, len(method.Args), len(args))
	}
	out := make([]interface{}, len(args))
	for i, arg := range args {
		if method.Args[i].Type == "address" {
			s, ok := arg.(string)
			if !ok {
				out[i] = arg
				continue
			}
			addr, err := types.DecodeAddress(strings.TrimSpace(s))
			if err != nil {
				return nil, ledger.Reject("argument %s: invalid address %q", method.Args[i].Name, s)
			}
			out[i] = addr[:]
			continue
		}
		out[i] = arg
	}
	return out, nil
}

func normalizeReturn(method abi.Method, value interface{}) any {
	switch method.Returns.Type {
	case "address":
		var addr types.Address
		switch v := value.(type) {
		case []byte:
			if len(v) == len(addr) {
				copy(addr[:], v)
				return addr.String()
			}
		case [32]byte:
			return types.Address(v).String()
		case []interface{}:
			if len(v) == len(addr) {
				for i, b := range v {
					octet, ok := b.(byte)
					if !ok {
						return value
					}
					addr[i] = octet
				}
				return addr.String()
			}
		}
	case "uint64":
		if b, ok := value.(*big.Int); ok && b.IsUint64() {
			return b.Uint64()
		}
	}
	return value
}

var rejectionMarkers = []string{
	"logic eval error",
	"rejected by logic",
	"assert failed",
	"overspend",
	"fee too small",
	"below min",
	"invalid signature",
	"transactionpool.remember",
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return ledger.Reject("%s", err.Error())
		}
	}
	return err
}
