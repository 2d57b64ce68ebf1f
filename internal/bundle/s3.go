package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

// S3Config holds configuration for the S3 bundle backend.
type S3Config struct {
	// Region is the AWS region (optional, uses default chain if empty).
	Region string `yaml:"region"`
	// Endpoint is a custom endpoint URL for S3-compatible providers.
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
	// SpoolDir holds uploads until their length is known. Empty uses the
	// system temporary directory.
	SpoolDir string `yaml:"spool_dir"`
}

// s3API is the part of the S3 client the store needs.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps single-object bundles in S3.
type S3Store struct {
	client   s3API
	spoolDir string
}

// NewS3Store builds a store using the AWS default credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return &S3Store{client: s3.NewFromConfig(awsConfig, s3Opts...), spoolDir: cfg.SpoolDir}, nil
}

// IsS3Location reports whether location names an S3 object.
func IsS3Location(location string) bool {
	return strings.HasPrefix(location, s3Scheme)
}

// ParseS3Location splits s3://bucket/key.
func ParseS3Location(location string) (bucket, key string, err error) {
	if !IsS3Location(location) {
		return "", "", fmt.Errorf("%w: %s is not an s3 location", ErrInvalidLocation, location)
	}
	parts := strings.SplitN(strings.TrimPrefix(location, s3Scheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s needs a bucket and a key", ErrInvalidLocation, location)
	}
	return parts[0], parts[1], nil
}

func (s *S3Store) ReadBundle(ctx context.Context, location string, w io.Writer) (int64, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return 0, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return 0, fmt.Errorf("failed to get %s: %w", location, err)
	}
	defer out.Body.Close()
	return io.Copy(w, out.Body)
}

// WriteBundle spools r to a local file first: PutObject needs a seekable
// body of known length.
func (s *S3Store) WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return 0, err
	}
	spool, err := os.CreateTemp(s.spoolDir, "jacs-s3-*.spool")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, ctxReader{ctx, r})
	if err != nil {
		return n, fmt.Errorf("failed to spool %s: %w", location, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return n, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return n, fmt.Errorf("failed to put %s: %w", location, err)
	}
	return n, nil
}
