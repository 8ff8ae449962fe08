package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"quotekeeper/internal/config"
	"quotekeeper/internal/qk"
)

// S3API is the subset of *s3.Client the provider uses.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Provider stores objects in an S3 (or S3-compatible) bucket.
type S3Provider struct {
	name     string
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

var _ qk.Provider = (*S3Provider)(nil)

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

// NewS3ProviderFromConfig builds an S3 client from cfg. Static credentials
// are used when both keys are set; otherwise the default AWS chain applies.
func NewS3ProviderFromConfig(ctx context.Context, cfg config.ProviderConfig) (*S3Provider, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 provider %q requires s3_bucket", cfg.Name)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Provider(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client), nil
}

// NewS3Provider wraps an existing client.
func NewS3Provider(name, bucket, prefix string, client S3API) *S3Provider {
	return &S3Provider{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (p *S3Provider) Name() string { return p.name }

func (p *S3Provider) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.key(name)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading to s3://%s/%s: %w", p.bucket, p.key(name), err)
	}
	return p.location(name), nil
}

func (p *S3Provider) Get(ctx context.Context, name string, w io.Writer) error {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		return p.wrap(name, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading s3 object: %w", err)
	}
	return nil
}

func (p *S3Provider) Stat(ctx context.Context, name string) (*qk.ObjectInfo, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		return nil, p.wrap(name, err)
	}
	return &qk.ObjectInfo{
		Name:        name,
		Location:    p.location(name),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ModifiedAt:  aws.ToTime(out.LastModified).UTC(),
	}, nil
}

func (p *S3Provider) ReadHead(ctx context.Context, name string, n int64) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		return nil, p.wrap(name, err)
	}
	defer out.Body.Close()

	head, err := io.ReadAll(io.LimitReader(out.Body, n))
	if err != nil {
		return nil, fmt.Errorf("reading s3 object: %w", err)
	}
	return head, nil
}

// ValidateSetup checks that the bucket exists and is reachable with the
// configured credentials.
func (p *S3Provider) ValidateSetup(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.bucket, err)
	}
	return nil
}

func (p *S3Provider) key(name string) string {
	if p.prefix == "" {
		return name
	}
	return strings.TrimSuffix(p.prefix, "/") + "/" + name
}

func (p *S3Provider) location(name string) string {
	return "s3://" + p.bucket + "/" + p.key(name)
}

// wrap maps S3 not-found responses onto qk.ErrObjectNotFound.
func (p *S3Provider) wrap(name string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("%s/%s: %w", p.name, name, qk.ErrObjectNotFound)
	}
	return fmt.Errorf("s3://%s/%s: %w", p.bucket, p.key(name), err)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
