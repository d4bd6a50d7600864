// Package aperrors implements the error taxonomy from spec §7:
// capacity, auth-expired, client, upstream-fatal, blocked, and the
// non-error downgrade event.
package aperrors

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error for the retry engine and the public
// surfaces' error-mapping layer.
type Kind string

const (
	KindCapacity      Kind = "capacity"
	KindAuthExpired   Kind = "auth_expired"
	KindClient        Kind = "client"
	KindUpstreamFatal Kind = "upstream_fatal"
	KindBlocked       Kind = "blocked"
)

// AccountError wraps an upstream failure with the kind classification
// and the account it came from, so the dispatcher can unlock/mark the
// account without the caller re-deriving any of this.
type AccountError struct {
	Kind       Kind
	AccountID  string
	Model      string
	Message    string
	StatusCode int
	ResetAfter time.Duration // only meaningful for KindCapacity
	Err        error
}

func (e *AccountError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *AccountError) Unwrap() error { return e.Err }

// ClientError represents a 4xx (other than 401/429) or a request
// validation failure. Never retried.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string { return e.Message }

// BlockedError represents an upstream promptFeedback.blockReason.
// Surfaced verbatim to the caller, never retried.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return fmt.Sprintf("blocked: %s", e.Reason) }

// capacity-error detection per spec §4.8: substring match against a
// fixed set of upstream messages, or HTTP 429. Open question (b):
// kept as substring matching since upstream carries no structured
// error code.
var capacityPhrases = []string{
	"exhausted your capacity on this model",
	"Resource has been exhausted",
	"No capacity available",
}

// IsCapacityError reports whether msg/statusCode indicate per-model
// quota exhaustion.
func IsCapacityError(msg string, statusCode int) bool {
	if statusCode == 429 {
		return true
	}
	lower := strings.ToLower(msg)
	for _, p := range capacityPhrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

var resetAfterRE = regexp.MustCompile(`(?i)reset after (\d+)s`)

// ParseResetAfter extracts the "reset after Ns" hint from an upstream
// capacity-error message, plus one second of slack, per spec §4.8.
// Returns (0, false) when the message carries no such hint.
func ParseResetAfter(msg string) (time.Duration, bool) {
	m := resetAfterRE.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(secs+1) * time.Second, true
}

// AsAccountError unwraps err into an *AccountError if possible.
func AsAccountError(err error) (*AccountError, bool) {
	var ae *AccountError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
