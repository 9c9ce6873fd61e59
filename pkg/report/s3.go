package report

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

// S3Config locates the bucket reports are archived to.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

// ParseS3URL parses s3://bucket/prefix?endpoint=host:port&region=r&ssl=false.
// The endpoint defaults to s3.amazonaws.com and TLS is on unless ssl=false.
func ParseS3URL(raw string) (S3Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return S3Config{}, fmt.Errorf("invalid report url: %w", err)
	}
	if u.Scheme != "s3" {
		return S3Config{}, fmt.Errorf("invalid report url %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return S3Config{}, fmt.Errorf("invalid report url %q: bucket is required", raw)
	}

	q := u.Query()
	cfg := S3Config{
		Endpoint: q.Get("endpoint"),
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		Region:   q.Get("region"),
		UseSSL:   true,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	if v := q.Get("ssl"); v != "" {
		cfg.UseSSL, err = strconv.ParseBool(v)
		if err != nil {
			return S3Config{}, fmt.Errorf("invalid report url %q: ssl: %w", raw, err)
		}
	}
	return cfg, nil
}

// S3Sink archives JSON reports to an S3-compatible bucket.
type S3Sink struct {
	client *minio.Client
	cfg    S3Config
	logger zerolog.Logger
}

// NewS3Sink creates a sink. Static keys in cfg win; otherwise credentials
// come from the AWS_* or MINIO_* environment.
func NewS3Sink(cfg S3Config, logger zerolog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 sink requires an endpoint and a bucket")
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
	})
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Sink{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "report-s3").Logger(),
	}, nil
}

// Key returns the object key a report is stored under.
func (s *S3Sink) Key(r *engine.RunReport) string {
	name := fmt.Sprintf("%s-%s.json", r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
	return path.Join(s.cfg.Prefix, r.PlanName, name)
}

// Upload stores the JSON report and returns its object key.
func (s *S3Sink) Upload(ctx context.Context, r *engine.RunReport) (string, error) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, r); err != nil {
		return "", err
	}

	key := s.Key(r)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"run-id": r.RunID,
				"status": string(r.Status()),
			},
		})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	s.logger.Info().
		Str("bucket", s.cfg.Bucket).
		Str("key", key).
		Int64("size", info.Size).
		Msg("Report archived")
	return key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
