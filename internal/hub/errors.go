package hub

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
	// ErrContention means a topic lease is held by another worker. The
	// operation is retried later and never surfaced to callers.
	ErrContention = errors.New("topic lease contention")
)

// RequestError is malformed publisher or subscriber input. It is reported
// synchronously and never retried by the hub.
type RequestError struct {
	Status int
	Msg    string
}

func (e *RequestError) Error() string { return e.Msg }

// BadRequest returns a 400 RequestError.
func BadRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// UnknownTopic returns a 404 RequestError for url.
func UnknownTopic(url string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Msg: "unknown topic: " + url}
}

// NotImplemented returns a 501 RequestError, used when no verification mode
// requested by the subscriber is enabled.
func NotImplemented(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusNotImplemented, Msg: fmt.Sprintf(format, args...)}
}

// VerificationFailure is a subscriber declining or not answering the
// verification callback.
type VerificationFailure struct {
	Callback string
	Status   int
	Err      error
}

func (e *VerificationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification of %s failed: %v", e.Callback, e.Err)
	}
	return fmt.Sprintf("verification of %s declined with status %d", e.Callback, e.Status)
}

func (e *VerificationFailure) Unwrap() error { return e.Err }

// FetchFailure is a publisher feed that could not be fetched or parsed.
type FetchFailure struct {
	Topic  string
	Status int
	Err    error
}

func (e *FetchFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.Topic, e.Status)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// DeliveryFailure is a subscriber callback that errored or was unreachable.
type DeliveryFailure struct {
	Callback string
	Status   int
	Err      error
}

func (e *DeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver to %s: %v", e.Callback, e.Err)
	}
	return fmt.Sprintf("deliver to %s: status %d", e.Callback, e.Status)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// StatusOf maps an error to the HTTP status a transport should answer with.
// A declined verification is the requester's fault and answers 409.
func StatusOf(err error) int {
	var (
		re *RequestError
		vf *VerificationFailure
	)
	switch {
	case err == nil:
		return http.StatusNoContent
	case errors.As(err, &re):
		return re.Status
	case errors.As(err, &vf):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
