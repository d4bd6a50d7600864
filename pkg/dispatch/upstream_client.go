package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/antigravity-proxy/gateway/pkg/aperrors"
	ihttp "github.com/antigravity-proxy/gateway/pkg/internal/http"
	"github.com/antigravity-proxy/gateway/pkg/store"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

const userAgent = "antigravity-proxy/1.0"

const (
	pathGenerateContent       = "/v1internal:generateContent"
	pathStreamGenerateContent = "/v1internal:streamGenerateContent"
)

// UpstreamClient performs the actual generateContent/streamGenerateContent
// calls against the Antigravity upstream (spec §6.2). Pacer is a soft
// per-host rate limiter applied ahead of the account pool's hard
// concurrency gate, smoothing outbound bursts before they ever reach
// account selection (SPEC_FULL.md §6).
type UpstreamClient struct {
	HTTP  *ihttp.Client
	Pacer *rate.Limiter
}

// NewUpstreamClient builds a client pacing outbound calls to at most
// perSecond requests/second with the given burst. perSecond <= 0
// disables pacing.
func NewUpstreamClient(httpClient *ihttp.Client, perSecond float64, burst int) *UpstreamClient {
	var pacer *rate.Limiter
	if perSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &UpstreamClient{HTTP: httpClient, Pacer: pacer}
}

func (u *UpstreamClient) wait(ctx context.Context) error {
	if u.Pacer == nil {
		return nil
	}
	return u.Pacer.Wait(ctx)
}

func (u *UpstreamClient) envelope(acct *store.Account, model string, req upstream.Request, requestType string) upstream.Envelope {
	return upstream.Envelope{
		Project:     acct.CloudAICompanionProject,
		RequestID:   upstream.NewRequestID(uuid.NewString()),
		Request:     req,
		Model:       model,
		UserAgent:   userAgent,
		RequestType: requestType,
	}
}

// Call performs one non-streaming generateContent invocation.
func (u *UpstreamClient) Call(ctx context.Context, acct *store.Account, model string, req upstream.Request, requestType string) (upstream.Response, error) {
	if err := u.wait(ctx); err != nil {
		return upstream.Response{}, err
	}

	resp, err := u.HTTP.Do(ctx, ihttp.Request{
		Method:  http.MethodPost,
		Path:    pathGenerateContent,
		Body:    u.envelope(acct, model, req, requestType),
		Headers: map[string]string{"Authorization": "Bearer " + acct.AccessToken},
	})
	if err != nil {
		return upstream.Response{}, &aperrors.AccountError{Kind: aperrors.KindUpstreamFatal, AccountID: acct.ID, Model: model, Message: err.Error(), Err: err}
	}
	if resp.StatusCode >= 400 {
		return upstream.Response{}, classifyHTTPError(resp.StatusCode, resp.Body, acct.ID, model)
	}

	var envelope upstream.ResponseEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return upstream.Response{}, &aperrors.AccountError{Kind: aperrors.KindUpstreamFatal, AccountID: acct.ID, Model: model, Message: "malformed upstream response: " + err.Error(), Err: err}
	}
	if fb := envelope.Response.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return upstream.Response{}, &aperrors.AccountError{Kind: aperrors.KindBlocked, AccountID: acct.ID, Model: model, Message: fb.BlockReason}
	}
	return envelope.Response, nil
}

// CallStream performs one streamGenerateContent invocation, returning
// the raw response body for the caller to decode as consecutive JSON
// events (spec §6.2: "line-delimited JSON events"). The caller must
// close the returned body.
func (u *UpstreamClient) CallStream(ctx context.Context, acct *store.Account, model string, req upstream.Request, requestType string) (io.ReadCloser, error) {
	if err := u.wait(ctx); err != nil {
		return nil, err
	}

	httpResp, err := u.HTTP.DoStream(ctx, ihttp.Request{
		Method:  http.MethodPost,
		Path:    pathStreamGenerateContent,
		Body:    u.envelope(acct, model, req, requestType),
		Headers: map[string]string{"Authorization": "Bearer " + acct.AccessToken},
	})
	if err != nil {
		if code, body, ok := parseHTTPErr(err); ok {
			return nil, classifyHTTPError(code, []byte(body), acct.ID, model)
		}
		return nil, &aperrors.AccountError{Kind: aperrors.KindUpstreamFatal, AccountID: acct.ID, Model: model, Message: err.Error(), Err: err}
	}
	return httpResp.Body, nil
}

var httpErrRE = regexp.MustCompile(`(?s)^HTTP (\d+): (.*)$`)

// parseHTTPErr recovers the status code and body ihttp.Client folds
// into a plain error on non-2xx responses (its DoJSON/DoStream both
// format errors as "HTTP <code>: <body>"; Do returns the response).
func parseHTTPErr(err error) (int, string, bool) {
	m := httpErrRE.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, "", false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, "", false
	}
	return code, m[2], true
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func extractErrorMessage(body []byte) string {
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// classifyHTTPError maps a non-2xx upstream response to the error
// taxonomy of spec §7.
func classifyHTTPError(statusCode int, body []byte, accountID, model string) *aperrors.AccountError {
	msg := extractErrorMessage(body)

	if statusCode == http.StatusUnauthorized {
		return &aperrors.AccountError{Kind: aperrors.KindAuthExpired, AccountID: accountID, Model: model, Message: msg, StatusCode: statusCode}
	}
	if aperrors.IsCapacityError(msg, statusCode) {
		resetAfter, _ := aperrors.ParseResetAfter(msg)
		return &aperrors.AccountError{Kind: aperrors.KindCapacity, AccountID: accountID, Model: model, Message: msg, StatusCode: statusCode, ResetAfter: resetAfter}
	}
	if statusCode >= 400 && statusCode < 500 {
		return &aperrors.AccountError{Kind: aperrors.KindClient, AccountID: accountID, Model: model, Message: msg, StatusCode: statusCode}
	}
	return &aperrors.AccountError{Kind: aperrors.KindUpstreamFatal, AccountID: accountID, Model: model, Message: msg, StatusCode: statusCode}
}
