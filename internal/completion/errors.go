package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUpstreamTimeout is returned after all retry attempts against the
// completion service have timed out.
var ErrUpstreamTimeout = errors.New("completion service timed out")

// UpstreamError is a non-timeout failure from the completion service:
// a non-2xx status or an unparseable payload. It is never retried.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion service error: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("completion service error: unexpected response: %s", e.Body)
}

// isTimeout reports whether err is a request timeout. Only timeouts are
// eligible for retry; everything else propagates immediately.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
