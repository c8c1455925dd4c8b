package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/batchscribe/batchscribe/internal/fault"
)

// classifyStatus maps an engine HTTP status into the fault taxonomy.
//
// The engine contract does not distinguish transient from permanent
// rejections itself, so the split is by status class: 5xx and the
// timeout/throttle 4xx codes are transient, a 403 mentioning an expired
// signature is an expired reference (S3 answers presigned-URL expiry with
// 403 AccessDenied, which the engine relays), and everything else in 4xx is
// permanent.
func classifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("engine returned %d", status)

	switch {
	case status == 403 && looksExpired(body):
		return fault.ReferenceExpired("reference signature expired")
	case status == 408, status == 425, status == 429:
		return fault.Transient(msg, nil)
	case status >= 500:
		return fault.Transient(msg, nil)
	default:
		return fault.Permanent(fmt.Sprintf("%s: %s", msg, truncate(body, 200)), nil)
	}
}

// classifyTransport maps request transport errors. Timeouts and connection
// failures are transient; a cancelled context passes through untouched.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Transient("engine call timed out", err)
	}
	return fault.Transient("engine unreachable", err)
}

// classifyDecode maps an undecodable engine response. A 200 with garbage is
// an engine bug, not something redelivery fixes.
func classifyDecode(err error, body []byte) error {
	return fault.Permanent(fmt.Sprintf("undecodable engine response: %s", truncate(body, 200)), err)
}

func looksExpired(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "expired") || strings.Contains(s, "request has expired")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
