package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrOrderNotFound is returned by GetOrder when the venue has no order for the client id.
var ErrOrderNotFound = errors.New("order not found")

// 交易所错误码 / Venue error codes
const (
	codeSystemError    = "50001" // service temporarily unavailable
	codeRateLimited    = "50011" // too many requests
	codeSystemBusy     = "50013" // system busy
	codeOrderNotExist  = "51603"
	codeDuplicateClOrd = "51016" // clOrdId already used
)

// APIError 交易所错误 / Error returned by the venue, either as an HTTP status or a response code
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("venue http %d: %s", e.HTTPStatus, e.Msg)
	}
	return fmt.Sprintf("venue error: code=%s, msg=%s", e.Code, e.Msg)
}

// Transient 是否可重试 / Whether retrying the same request may succeed
func (e *APIError) Transient() bool {
	if e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case codeSystemError, codeRateLimited, codeSystemBusy:
		return true
	}
	return false
}

// IsDuplicate reports whether the venue rejected a reused client order id.
func IsDuplicate(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClOrd
}

// IsTransient 错误分类 / Classify err as transient (network, timeout, rate limit, 5xx) or terminal
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
