package provider

import (
	"fmt"
	"net/http"
	"time"
)

// Outcome is the executor's reading of one provider response.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	Overloaded
	Blocked
	HardError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case Overloaded:
		return "overloaded"
	case Blocked:
		return "blocked"
	default:
		return "hard_error"
	}
}

// Classify maps a status code onto an Outcome. ipBlockOn403 marks providers whose 403
// means a temporary IP block rather than a permission problem.
func Classify(status int, ipBlockOn403 bool) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Overloaded
	case status == http.StatusForbidden && ipBlockOn403:
		return Blocked
	default:
		return HardError
	}
}

// StatusError is returned for responses that are neither successful nor retryable.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ThrottledError reports a throttling response for a call made without a work unit
// to release. Delay is how long the provider asked to be left alone.
type ThrottledError struct {
	Provider   string
	StatusCode int
	Reason     string
	Delay      time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: throttled (%s, status %d), retry in %s", e.Provider, e.Reason, e.StatusCode, e.Delay)
}
