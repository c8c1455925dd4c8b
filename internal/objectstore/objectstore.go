// Package objectstore lists source audio objects and mints time-bounded
// presigned references for them. It is the producer's only view of the
// object store; workers and the ASR engine see only the minted URLs.
package objectstore

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store wraps an S3 client with listing and presigning for one bucket.
type Store struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
}

// New creates a Store from the given config.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	client := awss3.NewFromConfig(awsCfg, s3Opts...)
	return &Store{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Objects returns a lazy sequence of object keys matching prefix. Pages are
// fetched on demand, so the producer never holds a full bucket listing in
// memory. A listing error ends the sequence with a classified fault.
func (s *Store) Objects(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		input := &awss3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}

		for {
			out, err := s.client.ListObjectsV2(ctx, input)
			if err != nil {
				yield("", translateError("list objects", err))
				return
			}
			for _, obj := range out.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
			if !aws.ToBool(out.IsTruncated) {
				return
			}
			input.ContinuationToken = out.NextContinuationToken
		}
	}
}

// PresignGet mints a presigned GET URL for the object, valid for ttl.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", translateError("presign get", err)
	}
	return req.URL, nil
}
