package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/batchscribe/batchscribe/internal/fault"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestTranslateError_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want fault.Class
	}{
		{"missing bucket", apiError("NoSuchBucket"), fault.ClassNotFound},
		{"missing key", apiError("NoSuchKey"), fault.ClassNotFound},
		{"denied", apiError("AccessDenied"), fault.ClassAccess},
		{"bad key id", apiError("InvalidAccessKeyId"), fault.ClassAccess},
		{"throttled", apiError("SlowDown"), fault.ClassTransient},
		{"s3 internal", apiError("InternalError"), fault.ClassTransient},
		{"transport", errors.New("dial tcp: connection refused"), fault.ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fault.ClassOf(translateError("list objects", tc.err))
			if got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTranslateError_ContextPassesThrough(t *testing.T) {
	err := translateError("list objects", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("context cancellation must pass through, got %v", err)
	}
}

func TestTranslateError_Nil(t *testing.T) {
	if translateError("presign get", nil) != nil {
		t.Error("nil error must translate to nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error without bucket")
	}

	cfg.Bucket = "audio-batch"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if cfg.Region != DefaultRegion {
		t.Errorf("expected default region %s, got %s", DefaultRegion, cfg.Region)
	}
}
