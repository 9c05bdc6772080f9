// Package reliability classifies failures from the storefront API and the
// agent websocket.
package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsAbnormalClose reports websocket close codes that indicate the agent
// connection failed rather than being closed on purpose.
func IsAbnormalClose(code int) bool {
	switch code {
	case 1000, 1001:
		return false
	default:
		return true
	}
}

// CloseReason names a websocket close code for logs and metrics.
func CloseReason(code int) string {
	switch code {
	case 1000:
		return "normal"
	case 1001:
		return "going_away"
	case 1006:
		return "abnormal"
	case 1008:
		return "policy_violation"
	case 1011:
		return "server_error"
	case 1012:
		return "service_restart"
	case 1013:
		return "try_again_later"
	default:
		if code >= 4000 && code <= 4999 {
			return "application"
		}
		return "other"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
