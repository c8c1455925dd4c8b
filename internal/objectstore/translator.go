package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/batchscribe/batchscribe/internal/fault"
)

// translateError maps S3 client errors into the shared fault taxonomy at the
// boundary, so nothing upstream has to understand AWS error shapes.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return fault.NotFound(fmt.Sprintf("objectstore: %s", op), err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "InvalidToken", "AuthorizationHeaderMalformed":
			return fault.Access(fmt.Sprintf("objectstore: %s", op), err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return fault.Transient(fmt.Sprintf("objectstore: %s", op), err)
		}
	}

	// Transport-level failures (DNS, refused connections) are worth retrying.
	return fault.Transient(fmt.Sprintf("objectstore: %s", op), err)
}
