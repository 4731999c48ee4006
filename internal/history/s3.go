// Package history archives settled sync records in object storage.
//
// The in-memory record store only lives as long as the controller
// process. Environments that need an audit trail across restarts
// configure a history backend; records are archived once, when they
// reach a terminal state, and never rewritten.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/interfaces"
	"github.com/dc-tec/deploysync/internal/store"
)

// uploadTimeout bounds a single archive operation end to end.
const uploadTimeout = 2 * time.Minute

// S3Store archives records as JSON objects in an S3-compatible bucket.
//
// Keys are <prefix>/<environment>/<finished-unix-nano>-<record-id>.json
// with the timestamp zero-padded, so lexicographic key order is
// chronological and listings need no server-side sorting support.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	httpClient *http.Client
	bucket     string
	prefix     string
	log        logr.Logger
}

var _ interfaces.Archive = (*S3Store)(nil)

// NewS3Store connects to the configured bucket. Credentials fall back
// to the SDK default chain when the configuration carries none.
func NewS3Store(ctx context.Context, cfg config.S3History, log logr.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: uploadTimeout,
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.Endpoint != "" {
		// Third-party S3 implementations commonly reject the SDK's
		// newer default checksum headers.
		awsCfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		awsCfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		httpClient: httpClient,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		log:        log.WithName("history"),
	}, nil
}

// Append archives one terminal record.
func (s *S3Store) Append(ctx context.Context, rec store.SyncRecord) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("record %s is %s, only terminal records are archived", rec.ID, rec.State)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	key := s.key(rec)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive record %s: %w", rec.ID, err)
	}

	s.log.V(1).Info("archived sync record",
		"environment", rec.Environment, "revision", rec.Revision, "state", rec.State, "key", key)
	return nil
}

// List returns archived records for an environment, newest first.
func (s *S3Store) List(ctx context.Context, environment string, limit int) ([]store.SyncRecord, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.environmentPrefix(environment)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list archive for %s: %w", environment, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	// Keys embed the finish timestamp, so reverse lexicographic order
	// is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	records := make([]store.SyncRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Close releases idle connections held by the SDK's HTTP client.
func (s *S3Store) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *S3Store) fetch(ctx context.Context, key string) (*store.SyncRecord, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read archived record %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived record %s: %w", key, err)
	}

	var rec store.SyncRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// One malformed object must not hide the rest of the archive.
		s.log.Error(err, "skipping undecodable archive object", "key", key)
		return nil, nil
	}
	return &rec, nil
}

func (s *S3Store) key(rec store.SyncRecord) string {
	name := fmt.Sprintf("%020d-%s.json", rec.FinishedAt.UTC().UnixNano(), rec.ID)
	return s.environmentPrefix(rec.Environment) + name
}

func (s *S3Store) environmentPrefix(environment string) string {
	if s.prefix == "" {
		return environment + "/"
	}
	return s.prefix + "/" + environment + "/"
}
