// Package dispatch implements the request dispatcher (spec §4.9): the
// glue between a protocol converter's upstream request and the
// account pool, token service, and retry engine, for both the
// non-streaming and streaming paths.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antigravity-proxy/gateway/pkg/account"
	"github.com/antigravity-proxy/gateway/pkg/aperrors"
	"github.com/antigravity-proxy/gateway/pkg/retryengine"
	"github.com/antigravity-proxy/gateway/pkg/store"
	"github.com/antigravity-proxy/gateway/pkg/telemetry"
	"github.com/antigravity-proxy/gateway/pkg/token"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

const (
	requestTypeGenerate       = "generateContent"
	requestTypeStreamGenerate = "streamGenerateContent"
)

// Dispatcher wires a protocol converter's output to the account pool,
// token service, retry engine, and upstream HTTP client.
type Dispatcher struct {
	Pool     *account.Pool
	Tokens   *token.Service
	Upstream *UpstreamClient
	Retry    retryengine.Config
	Logger   *slog.Logger

	// Tracer wraps each upstream call in a span (SPEC_FULL.md §2's
	// ambient tracing commitment). Defaults to a no-op tracer; set
	// directly after New to enable, e.g. via telemetry.GetTracer.
	Tracer trace.Tracer

	adapter *poolAdapter
}

// New builds a Dispatcher over the given collaborators.
func New(pool *account.Pool, tokens *token.Service, upstreamClient *UpstreamClient, retryCfg retryengine.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Pool:     pool,
		Tokens:   tokens,
		Upstream: upstreamClient,
		Retry:    retryCfg,
		Logger:   logger,
		Tracer:   telemetry.GetTracer(nil),
		adapter:  newPoolAdapter(pool),
	}
}

// defaultCanRetry classifies whether RunFull should rotate to another
// account after err (spec §7): capacity and upstream-fatal errors are
// retried by rotation; client, blocked, and auth-expired errors are
// not — auth-expired already gets its one same-account inline retry
// inside the attempt itself, so further rotation would just spread a
// bad request across every account.
func defaultCanRetry(err error) bool {
	var clientErr *aperrors.ClientError
	if errors.As(err, &clientErr) {
		return false
	}
	var blockedErr *aperrors.BlockedError
	if errors.As(err, &blockedErr) {
		return false
	}
	ae, ok := aperrors.AsAccountError(err)
	if !ok {
		return true
	}
	switch ae.Kind {
	case aperrors.KindCapacity, aperrors.KindUpstreamFatal:
		return true
	default:
		return false
	}
}

// NonStream runs req against model through the full dispatch pipeline
// (converter → dispatcher → retry-full → converter) and returns the
// decoded upstream response.
func (d *Dispatcher) NonStream(ctx context.Context, model string, req upstream.Request) (upstream.Response, error) {
	var result upstream.Response

	cfg := d.Retry
	cfg.CanRetry = defaultCanRetry

	attempt := func(ctx context.Context, handle retryengine.AccountHandle) error {
		acct := handle.(*store.Account)

		if !d.Pool.AcquireModelSlot(model) {
			return &aperrors.AccountError{Kind: aperrors.KindCapacity, AccountID: acct.ID, Model: model, Message: "concurrency gate saturated"}
		}
		defer d.Pool.ReleaseModelSlot(model)

		if err := d.ensureReady(ctx, acct); err != nil {
			return err
		}

		resp, err := d.callUpstream(ctx, acct, model, req)
		if err != nil {
			if ae, ok := aperrors.AsAccountError(err); ok && ae.Kind == aperrors.KindAuthExpired {
				if _, rerr := d.Tokens.ForceRefreshToken(ctx, acct); rerr == nil {
					resp, err = d.callUpstream(ctx, acct, model, req)
				}
			}
			if err != nil {
				return err
			}
		}
		result = resp
		return nil
	}

	res, err := retryengine.RunFull(ctx, d.adapter, model, cfg, attempt)
	if err != nil {
		return upstream.Response{}, err
	}
	if res.Aborted {
		return upstream.Response{}, context.Canceled
	}
	return result, nil
}

// ensureReady refreshes acct's token if due. Resolving an account's
// cloud-assist project id (token.Service.FetchProjectID) happens once
// at account onboarding rather than per-request here, since it's a
// one-time lookup, not a per-call freshness check like the token.
func (d *Dispatcher) ensureReady(ctx context.Context, acct *store.Account) error {
	return d.Tokens.EnsureValidToken(ctx, acct)
}

// callUpstream wraps one non-streaming upstream call in a span.
func (d *Dispatcher) callUpstream(ctx context.Context, acct *store.Account, model string, req upstream.Request) (upstream.Response, error) {
	return telemetry.RecordSpan(ctx, d.Tracer, telemetry.SpanOptions{
		Name: "dispatch.generateContent",
		Attributes: []attribute.KeyValue{
			attribute.String("model", model),
			attribute.String("account_id", acct.ID),
		},
		EndWhenDone: true,
	}, func(ctx context.Context, _ trace.Span) (upstream.Response, error) {
		return d.Upstream.Call(ctx, acct, model, req, requestTypeGenerate)
	})
}

// ChunkFunc receives each decoded upstream streaming event in order.
// An error it returns (e.g. the client disconnected mid-write) aborts
// the stream without further retries.
type ChunkFunc func(upstream.Response) error

// Stream runs req against model through the streaming dispatch
// pipeline (converter → dispatcher → retry-full → per-chunk callback).
// Once any chunk has been forwarded to onChunk, the request is
// considered committed: a subsequent upstream failure terminates the
// stream rather than rotating to another account, since restarting
// would duplicate output already sent to the client (spec §7).
func (d *Dispatcher) Stream(ctx context.Context, model string, req upstream.Request, onChunk ChunkFunc) error {
	committed := false

	cfg := d.Retry
	cfg.CanRetry = func(err error) bool {
		if committed {
			return false
		}
		return defaultCanRetry(err)
	}

	attempt := func(ctx context.Context, handle retryengine.AccountHandle) error {
		acct := handle.(*store.Account)

		if !d.Pool.AcquireModelSlot(model) {
			return &aperrors.AccountError{Kind: aperrors.KindCapacity, AccountID: acct.ID, Model: model, Message: "concurrency gate saturated"}
		}
		defer d.Pool.ReleaseModelSlot(model)

		if err := d.ensureReady(ctx, acct); err != nil {
			return err
		}

		body, err := d.callUpstreamStream(ctx, acct, model, req)
		if err != nil {
			if ae, ok := aperrors.AsAccountError(err); ok && ae.Kind == aperrors.KindAuthExpired {
				if _, rerr := d.Tokens.ForceRefreshToken(ctx, acct); rerr == nil {
					body, err = d.callUpstreamStream(ctx, acct, model, req)
				}
			}
			if err != nil {
				return err
			}
		}
		defer body.Close()

		dec := json.NewDecoder(body)
		for {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			var env upstream.ResponseEnvelope
			if derr := dec.Decode(&env); derr != nil {
				if errors.Is(derr, io.EOF) {
					return nil
				}
				return &aperrors.AccountError{Kind: aperrors.KindUpstreamFatal, AccountID: acct.ID, Model: model, Message: "stream decode failed: " + derr.Error(), Err: derr}
			}

			if fb := env.Response.PromptFeedback; fb != nil && fb.BlockReason != "" {
				return &aperrors.AccountError{Kind: aperrors.KindBlocked, AccountID: acct.ID, Model: model, Message: fb.BlockReason}
			}

			committed = true
			if cerr := onChunk(env.Response); cerr != nil {
				return cerr
			}
		}
	}

	res, err := retryengine.RunFull(ctx, d.adapter, model, cfg, attempt)
	if err != nil {
		return err
	}
	if res.Aborted {
		return context.Canceled
	}
	return nil
}

// callUpstreamStream wraps one streaming upstream call in a span. The
// span ends when the call returns (i.e. once headers/body are
// obtained), not when the stream finishes being read — spec §4.9
// treats the dial as the dispatched operation, same as the teacher's
// generateText span covering only the request, not token consumption.
func (d *Dispatcher) callUpstreamStream(ctx context.Context, acct *store.Account, model string, req upstream.Request) (io.ReadCloser, error) {
	return telemetry.RecordSpan(ctx, d.Tracer, telemetry.SpanOptions{
		Name: "dispatch.streamGenerateContent",
		Attributes: []attribute.KeyValue{
			attribute.String("model", model),
			attribute.String("account_id", acct.ID),
		},
		EndWhenDone: true,
	}, func(ctx context.Context, _ trace.Span) (io.ReadCloser, error) {
		return d.Upstream.CallStream(ctx, acct, model, req, requestTypeStreamGenerate)
	})
}
