// Package snapshot archives detection plate snapshots out of band. The ANPR
// pipeline serves a short-lived frame crop per event; the archiver pulls it,
// shrinks it to a review-sized thumbnail, and parks it in S3 or a local
// directory before the source expires.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"parking-edge-sync/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options configures the archiver.
type Options struct {
	OutputDir       string // local fallback destination
	S3Bucket        string // when set, thumbnails go to S3
	S3Region        string
	S3Endpoint      string // custom endpoint for MinIO-style deployments
	S3PathStyle     bool
	DownloadTimeout time.Duration
	MaxBytes        int64
	ThumbWidth      int
}

// Archiver downloads, thumbnails, and stores detection snapshots.
type Archiver struct {
	opts       Options
	httpClient *http.Client
	dest       uploader
}

// New constructs an archiver, choosing S3 or local storage from options.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 15 * time.Second
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.ThumbWidth == 0 {
		opts.ThumbWidth = 480
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./snapshots"
	}

	var dest uploader = &localUploader{baseDir: opts.OutputDir}
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		dest = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}

	return &Archiver{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		dest:       dest,
	}, nil
}

// Archive fetches the event's snapshot and stores a thumbnail keyed by
// camera and event ID. Re-archiving the same event overwrites the same key,
// so replays are harmless.
func (a *Archiver) Archive(ctx context.Context, event models.DetectionEvent) error {
	if event.SnapshotURL == "" {
		return nil
	}

	data, contentType, err := a.download(ctx, event.SnapshotURL)
	if err != nil {
		return err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	thumb := imaging.Resize(img, a.opts.ThumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	format := imaging.JPEG
	if strings.Contains(strings.ToLower(contentType), "png") {
		format = imaging.PNG
	}
	if err := imaging.Encode(buf, thumb, format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	key := archiveKey(event, format)
	if _, err := a.dest.Upload(ctx, key, buf.Bytes(), mimeForFormat(format)); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download snapshot: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, a.opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot: %w", err)
	}
	if int64(len(body)) > a.opts.MaxBytes {
		return nil, "", fmt.Errorf("snapshot too large (>%d bytes)", a.opts.MaxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func archiveKey(event models.DetectionEvent, format imaging.Format) string {
	ext := "jpg"
	if format == imaging.PNG {
		ext = "png"
	}
	day := event.CapturedAt.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s.%s", event.CameraID, day, event.EventID, ext)
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.S3Region),
	}
	if opts.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.S3Endpoint,
					HostnameImmutable: opts.S3PathStyle,
					SigningRegion:     opts.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
