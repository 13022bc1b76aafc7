package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/otomoni/machinemon/internal/util"
)

// maxOpenEndedRead caps reads of open-ended ranges.
const maxOpenEndedRead = 64 << 20

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"` // Custom S3 endpoint (empty for AWS)
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
}

// HasStaticCredentials reports whether explicit keys are configured.
func (c *S3Config) HasStaticCredentials() bool {
	return util.IsConfigured(c.AccessKeyID, c.SecretAccessKey)
}

// S3 reads objects through the AWS SDK.
type S3 struct {
	client *s3.Client
}

var (
	_ Fetcher = (*S3)(nil)
	_ Lister  = (*S3)(nil)
)

// NewS3 wraps an existing client.
func NewS3(client *s3.Client) *S3 {
	return &S3{client: client}
}

// NewS3FromConfig creates an S3 reader. Static keys win; otherwise the
// default AWS credential chain is used.
func NewS3FromConfig(ctx context.Context, cfg *S3Config) (*S3, error) {
	client, err := createS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3(client), nil
}

// AWSConfig loads the SDK configuration shared by the S3 and DynamoDB clients.
func AWSConfig(ctx context.Context, cfg *S3Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.HasStaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, util.WrapError("load AWS config", err)
	}
	return awsCfg, nil
}

func createS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	awsCfg, err := AWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var options []func(*s3.Options)
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			if cfg.Region == "" {
				o.Region = "auto"
			}
		})
	}

	return s3.NewFromConfig(awsCfg, options...), nil
}

// Fetch reads r from the object. The body is capped at the range length.
func (s *S3) Fetch(ctx context.Context, bucket, key string, r ByteRange) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(r.String()),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, util.WrapError("get object "+key, err)
	}
	defer out.Body.Close() //nolint:errcheck // Read-only body, close error not actionable

	limit := r.Len()
	if limit < 0 {
		limit = maxOpenEndedRead
	}
	buf, err := io.ReadAll(io.LimitReader(out.Body, limit))
	if err != nil {
		return nil, util.WrapError("read object "+key, err)
	}
	slog.Debug("fetched object range", "bucket", bucket, "key", key, "range", r.String(), "bytes", len(buf))
	return buf, nil
}

// List calls fn for every object under prefix, page by page.
func (s *S3) List(ctx context.Context, bucket, prefix string, fn func(Object) error) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return util.WrapError("list objects", err)
		}
		for _, o := range page.Contents {
			obj := Object{
				Key:  aws.ToString(o.Key),
				Size: aws.ToInt64(o.Size),
			}
			if o.LastModified != nil {
				obj.LastModified = o.LastModified.UTC()
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}
