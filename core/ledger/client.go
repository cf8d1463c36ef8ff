// Package ledger is the single configured handle to the network. It stores the
// session's default signer and exposes the primitives every other component
// uses: Submit and Query for services, and the deploy primitives for the
// contract resolver. It carries no business logic; it only classifies
// transport failures into the shared error taxonomy.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	chainerrors "chainid/core/errors"
	"chainid/observability"
)

const tracerName = "chainid/core/ledger"

// Client is the ledger client facade. It is safe for concurrent use and is
// never reconfigured once built.
type Client struct {
	params    Params
	transport Transport
	limiter   *rate.Limiter
	tracer    trace.Tracer
}

// Configure validates params, dials the transport and returns the session
// handle. Missing network or signer parameters yield a ConfigurationError.
func Configure(params Params, dial DialFunc) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, chainerrors.Configuration("transport", "no transport dialer supplied")
	}
	params = params.withDefaults()
	transport, err := dial(params)
	if err != nil {
		return nil, &chainerrors.ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("dial %s: %v", params.Endpoint, err)}
	}
	if transport == nil {
		return nil, chainerrors.Configuration("transport", "dialer returned no transport")
	}
	client := &Client{
		params:    params,
		transport: transport,
		tracer:    otel.Tracer(tracerName),
	}
	if params.SubmitRate > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(params.SubmitRate), params.SubmitBurst)
	}
	return client, nil
}

// Network returns the configured network name.
func (c *Client) Network() string { return c.params.Network }

// Sender returns the default sender address used for every submission.
func (c *Client) Sender() string { return c.params.Sender }

// Submit sends a state-changing method call signed by the session signer and
// returns the confirmed transaction ids.
func (c *Client) Submit(ctx context.Context, appID uint64, method string, args ...any) (Result, error) {
	ctx, span, start := c.begin(ctx, "Submit", appID, method)
	result, err := c.submit(ctx, appID, method, args)
	if err == nil && len(result.TxIDs) == 0 {
		err = chainerrors.Operation(method, stderrors.New("ledger returned no transaction ids"))
	}
	c.end(span, "submit", start, err)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (c *Client) submit(ctx context.Context, appID uint64, method string, args []any) (Result, error) {
	if err := c.wait(ctx, "submit"); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	result, err := c.transport.Submit(ctx, c.call(appID, method, args))
	if err != nil {
		return Result{}, classify(ctx, method, err)
	}
	return result, nil
}

// Query performs a read-only method call. It never changes ledger state.
func (c *Client) Query(ctx context.Context, appID uint64, method string, args ...any) (any, error) {
	ctx, span, start := c.begin(ctx, "Query", appID, method)
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	value, err := c.transport.Query(ctx, c.call(appID, method, args))
	if err != nil {
		err = classify(ctx, method, err)
	}
	c.end(span, "query", start, err)
	return value, err
}

// AppInfo fetches the current on-ledger description of an application.
// Transport errors are returned unclassified so the resolver can tell a
// missing application (ErrAppNotFound) from a network failure.
func (c *Client) AppInfo(ctx context.Context, appID uint64) (AppInfo, error) {
	ctx, span, start := c.begin(ctx, "AppInfo", appID, "")
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	info, err := c.transport.AppInfo(ctx, appID)
	c.end(span, "app_info", start, err)
	return info, err
}

// Compile turns program source into the bytes the ledger stores.
func (c *Client) Compile(ctx context.Context, source []byte) ([]byte, error) {
	ctx, span, start := c.begin(ctx, "Compile", 0, "")
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	program, err := c.transport.Compile(ctx, source)
	c.end(span, "compile", start, err)
	return program, err
}

// CreateApp deploys a new application instance.
func (c *Client) CreateApp(ctx context.Context, program Program) (uint64, Result, error) {
	ctx, span, start := c.begin(ctx, "CreateApp", 0, program.Name)
	if err := c.wait(ctx, "create_app"); err != nil {
		c.end(span, "create_app", start, err)
		return 0, Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	appID, result, err := c.transport.CreateApp(ctx, program, c.params.Sender, c.params.Signer)
	if err == nil {
		span.SetAttributes(attribute.Int64("app.id", int64(appID)))
	}
	c.end(span, "create_app", start, err)
	return appID, result, err
}

// UpdateApp replaces the programs of an existing application in place.
func (c *Client) UpdateApp(ctx context.Context, appID uint64, program Program) (Result, error) {
	ctx, span, start := c.begin(ctx, "UpdateApp", appID, program.Name)
	if err := c.wait(ctx, "update_app"); err != nil {
		c.end(span, "update_app", start, err)
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	result, err := c.transport.UpdateApp(ctx, appID, program, c.params.Sender, c.params.Signer)
	c.end(span, "update_app", start, err)
	return result, err
}

// DeleteApp retires an application.
func (c *Client) DeleteApp(ctx context.Context, appID uint64) (Result, error) {
	ctx, span, start := c.begin(ctx, "DeleteApp", appID, "")
	if err := c.wait(ctx, "delete_app"); err != nil {
		c.end(span, "delete_app", start, err)
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	result, err := c.transport.DeleteApp(ctx, appID, c.params.Sender, c.params.Signer)
	c.end(span, "delete_app", start, err)
	return result, err
}

// CreatedApps lists the live applications created by the session sender.
// Transport errors are returned unclassified, like AppInfo.
func (c *Client) CreatedApps(ctx context.Context) ([]CreatedApp, error) {
	ctx, span, start := c.begin(ctx, "CreatedApps", 0, "")
	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout)
	defer cancel()
	apps, err := c.transport.CreatedApps(ctx, c.params.Sender)
	c.end(span, "created_apps", start, err)
	return apps, err
}

// Close releases the transport.
func (c *Client) Close() error {
	if c == nil || c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

func (c *Client) call(appID uint64, method string, args []any) Call {
	return Call{
		AppID:  appID,
		Method: method,
		Args:   append([]any(nil), args...),
		Sender: c.params.Sender,
		Signer: c.params.Signer,
	}
}

func (c *Client) wait(ctx context.Context, primitive string) error {
	if c.limiter == nil {
		return nil
	}
	if !c.limiter.Allow() {
		observability.Ledger().RecordThrottle(primitive)
		if err := c.limiter.Wait(ctx); err != nil {
			return chainerrors.Timeout(primitive+" throttled", err)
		}
	}
	return nil
}

func (c *Client) begin(ctx context.Context, name string, appID uint64, method string) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{attribute.String("ledger.network", c.params.Network)}
	if appID != 0 {
		attrs = append(attrs, attribute.Int64("app.id", int64(appID)))
	}
	if method != "" {
		attrs = append(attrs, attribute.String("app.method", method))
	}
	ctx, span := c.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (c *Client) end(span trace.Span, primitive string, start time.Time, err error) {
	outcome := chainerrors.Kind(err)
	if err != nil {
		if stderrors.Is(err, ErrAppNotFound) {
			outcome = "not_found"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
	observability.Ledger().Observe(primitive, outcome, time.Since(start))
}

// classify maps transport failures onto the shared taxonomy: deadlines become
// timeouts, everything else the ledger refused becomes an OperationError.
func classify(ctx context.Context, method string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, chainerrors.ErrTimeout):
		return err
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return chainerrors.Timeout(shortMethod(method), err)
	case stderrors.Is(err, chainerrors.ErrOperation):
		return err
	default:
		return chainerrors.Operation(shortMethod(method), err)
	}
}

func shortMethod(signature string) string {
	if name, _, found := strings.Cut(signature, "("); found {
		return name
	}
	return signature
}
