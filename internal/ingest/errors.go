package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RejectReason codes why a URL failed safety validation. Reasons are logged
// server-side only; user-facing surfaces return GenericRejectionMessage.
type RejectReason string

// Rejection reason codes.
const (
	RejectScheme           RejectReason = "scheme"
	RejectPrivateIP        RejectReason = "private-ip"
	RejectBlockedHost      RejectReason = "blocked-host"
	RejectResolutionFailed RejectReason = "resolution-failed"
)

// GenericRejectionMessage is the only text about a rejected URL that may be
// shown to an end user.
const GenericRejectionMessage = "This address cannot be fetched"

// URLRejectedError indicates a URL violated the SSRF policy. Never retried.
type URLRejectedError struct {
	URL    string
	Reason RejectReason
	Detail string
}

func (e *URLRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("url rejected (%s): %s", e.Reason, e.URL)
	}
	return fmt.Sprintf("url rejected (%s): %s: %s", e.Reason, e.URL, e.Detail)
}

// RenderError indicates the page could not be fetched or rendered.
// Navigation timeouts and browser crashes land here; these are the only
// task failures eligible for retry.
type RenderError struct {
	URL   string
	Stage string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s failed for %s: %v", e.Stage, e.URL, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying cause was a deadline.
func (e *RenderError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ExtractionError indicates every strategy in the chain was tried and none
// yielded sufficient content. Not retried: the page is genuinely
// unextractable, not transiently unavailable.
type ExtractionError struct {
	URL       string
	Attempted []Strategy
}

func (e *ExtractionError) Error() string {
	names := make([]string, len(e.Attempted))
	for i, s := range e.Attempted {
		names[i] = string(s)
	}
	return fmt.Sprintf("no content extracted from %s (strategies tried: %s)", e.URL, strings.Join(names, ", "))
}

// ErrTaskDismissed signals the task was dismissed by the user while running.
var ErrTaskDismissed = errors.New("task dismissed")

// IsTransient reports whether err is worth retrying. SSRF rejections and
// exhausted extraction chains are permanent; render/network failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rejected *URLRejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var extraction *ExtractionError
	if errors.As(err, &extraction) {
		return false
	}
	if errors.Is(err, ErrTaskDismissed) {
		return false
	}
	var render *RenderError
	if errors.As(err, &render) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
