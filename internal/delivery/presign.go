package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options locates the bucket that holds generated report PDFs.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	TTL       time.Duration
}

// S3Presigner turns stored report keys into time-limited download links.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Presigner loads AWS credentials from the default chain.
func NewS3Presigner(ctx context.Context, opts S3Options) (*S3Presigner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3PresignerFromConfig(awsCfg, opts), nil
}

func NewS3PresignerFromConfig(awsCfg aws.Config, opts S3Options) *S3Presigner {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &S3Presigner{presign: s3.NewPresignClient(client), bucket: opts.Bucket, ttl: ttl}
}

// Link returns a GET link for ref. Refs of the form s3://bucket/key or a bare key are signed;
// http(s) URLs are returned unchanged.
func (p *S3Presigner) Link(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	bucket, key := p.bucket, strings.TrimPrefix(ref, "/")
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		b, k, found := strings.Cut(rest, "/")
		if !found || k == "" {
			return "", fmt.Errorf("malformed report reference %q", ref)
		}
		bucket, key = b, k
	}
	if bucket == "" || key == "" {
		return "", fmt.Errorf("report reference %q has no bucket", ref)
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
