package fieldsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3SnapshotConfig configures the S3 snapshot store.
type S3SnapshotConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UserID          string // Snapshots are stored per user
	UsePathStyle    bool   // Use path-style addressing

	// MaxRetries is the max retry attempts for S3 operations (default: 3)
	MaxRetries int
}

// S3SnapshotStore implements SnapshotStore on S3 or S3-compatible storage.
// Objects live at <prefix><userID>/<dayKey>/<name> so one user's history is
// one listable prefix.
type S3SnapshotStore struct {
	client  *s3.Client
	config  S3SnapshotConfig
	retryer *Retryer
}

// NewS3SnapshotStore creates a new S3 snapshot store.
func NewS3SnapshotStore(cfg S3SnapshotConfig) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user ID is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3SnapshotStore) objectKey(dayKey, name string) string {
	return s.config.Prefix + s.config.UserID + "/" + dayKey + "/" + name
}

// Upload implements SnapshotStore.
func (s *S3SnapshotStore) Upload(ctx context.Context, meta SnapshotMeta, blob []byte) error {
	if meta.DayKey == "" || meta.Name == "" {
		return errors.New("snapshot day key and name are required")
	}
	key := s.objectKey(meta.DayKey, meta.Name)

	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(blob),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// List implements SnapshotStore. It walks the user's prefix and parses day
// and name out of each key; objects that do not match the layout are skipped.
func (s *S3SnapshotStore) List(ctx context.Context, since time.Time) ([]SnapshotMeta, error) {
	userPrefix := s.config.Prefix + s.config.UserID + "/"

	var metas []SnapshotMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(userPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, userPrefix)
			dayKey, name, ok := strings.Cut(rel, "/")
			if !ok || dayKey == "" || name == "" {
				continue
			}
			meta := SnapshotMeta{
				UserID:     s.config.UserID,
				DayKey:     dayKey,
				Name:       name,
				ObjectPath: *obj.Key,
			}
			if obj.Size != nil {
				meta.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				meta.CreatedAt = *obj.LastModified
			}
			if !since.IsZero() && meta.CreatedAt.Before(since) {
				continue
			}
			metas = append(metas, meta)
		}
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Download implements SnapshotStore. A missing object maps to
// ErrBackupNotFound.
func (s *S3SnapshotStore) Download(ctx context.Context, dayKey, name string) ([]byte, error) {
	key := s.objectKey(dayKey, name)

	val, result := s.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var nsk *s3types.NoSuchKey
			if errors.As(err, &nsk) {
				return nil, ErrBackupNotFound
			}
			if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
				return nil, ErrBackupNotFound
			}
			return nil, fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("S3 read body failed: %w", err)
		}
		return d, nil
	})

	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return val.([]byte), nil
}
