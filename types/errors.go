package types

import (
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

// Kind classifies every failure the cache can observe.
type Kind string

const (
	// Fetch failures. These are the only kinds Get can return.
	KindNetwork    Kind = "network"
	KindHTTPStatus Kind = "http_status"
	KindParse      Kind = "parse"

	// Durable store failures. Always recovered locally.
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Error is a classified cache failure. The cause chain carries a
// PlatformError so callers can ask for its code and retry classification.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int // set for KindHTTPStatus
	Err        error
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrHTTPStatus         = &Error{Kind: KindHTTPStatus}
	ErrParse              = &Error{Kind: KindParse}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Kind == KindHTTPStatus && e.StatusCode != 0 {
		msg = fmt.Sprintf("http status %d", e.StatusCode)
	}
	if e.URL != "" {
		msg += " fetching " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NetworkError reports a transport-level failure.
func NetworkError(url string, cause error) *Error {
	return &Error{
		Kind: KindNetwork,
		URL:  url,
		Err:  perrors.Wrap(orUnknown(cause), perrors.CodeNetwork, "request failed"),
	}
}

// HTTPStatusError reports a non-2xx response.
func HTTPStatusError(url string, status int) *Error {
	return &Error{
		Kind:       KindHTTPStatus,
		URL:        url,
		StatusCode: status,
		Err:        perrors.Newf(statusCode(status), "remote answered %d %s", status, http.StatusText(status)),
	}
}

// ParseError reports a body that is not valid JSON.
func ParseError(url string, cause error) *Error {
	return &Error{
		Kind: KindParse,
		URL:  url,
		Err:  perrors.Wrap(orUnknown(cause), perrors.CodeInvalidInput, "malformed response body"),
	}
}

// QuotaExceeded reports a durable write rejected for capacity.
func QuotaExceeded(cause error) *Error {
	err := perrors.Wrap(orUnknown(cause), perrors.CodeDatabase, "durable store capacity exceeded")
	return &Error{
		Kind: KindQuotaExceeded,
		Err:  perrors.WithClassification(err, perrors.ClassificationPermanent),
	}
}

// StorageUnavailable reports an inaccessible durable tier.
func StorageUnavailable(cause error) *Error {
	return &Error{
		Kind: KindStorageUnavailable,
		Err:  perrors.Wrap(orUnknown(cause), perrors.CodeUnavailable, "durable store unavailable"),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFetchError reports whether err is one of the three kinds Get may return.
func IsFetchError(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindHTTPStatus, KindParse:
		return true
	}
	return false
}

// Retryable reports the retry classification of err's cause.
func Retryable(err error) bool {
	return perrors.IsRetryable(err)
}

func statusCode(status int) perrors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return perrors.CodeNotFound
	case status == http.StatusUnauthorized:
		return perrors.CodeUnauthorized
	case status == http.StatusForbidden:
		return perrors.CodeForbidden
	case status == http.StatusTooManyRequests:
		return perrors.CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return perrors.CodeTimeout
	case status >= 400 && status < 500:
		return perrors.CodeInvalidInput
	default:
		return perrors.CodeUnavailable
	}
}

func orUnknown(cause error) error {
	if cause == nil {
		return errors.New("unknown cause")
	}
	return cause
}
