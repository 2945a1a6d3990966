package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/aws/aws-sdk-go/aws"                                 //nolint:staticcheck // TODO: Migrate to aws-sdk-go-v2 feature/s3/manager
	"github.com/aws/aws-sdk-go/aws/session"                         //nolint:staticcheck
	"github.com/aws/aws-sdk-go/service/s3/s3manager"                //nolint:staticcheck
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface" //nolint:staticcheck
	"github.com/google/uuid"
)

const (
	opMirror = "artifacts.Mirror"

	// maxArtifactBytes bounds one downloaded image
	maxArtifactBytes = 32 << 20

	defaultDownloadTimeout = 60 * time.Second
	defaultContentType     = "image/png"
)

// S3Mirror downloads generated images and re-hosts them in an S3 bucket so
// derived scenes do not depend on short-lived upstream links
type S3Mirror struct {
	bucket     string
	region     string
	prefix     string
	uploader   s3manageriface.UploaderAPI
	httpClient *http.Client
	newKey     func() string
}

// MirrorOption configures an S3Mirror
type MirrorOption func(*S3Mirror)

// WithUploader replaces the S3 uploader
func WithUploader(u s3manageriface.UploaderAPI) MirrorOption {
	return func(m *S3Mirror) { m.uploader = u }
}

// WithDownloadClient replaces the HTTP client used to fetch artifacts
func WithDownloadClient(c *http.Client) MirrorOption {
	return func(m *S3Mirror) { m.httpClient = c }
}

// NewS3Mirror creates a mirror for bucket. Without WithUploader, an uploader
// is built from the default AWS credential chain for region.
func NewS3Mirror(bucket, region, prefix string, opts ...MirrorOption) (*S3Mirror, error) {
	if bucket == "" {
		return nil, apperror.New(apperror.KindValidation, "artifacts.NewS3Mirror", "bucket is required")
	}

	m := &S3Mirror{
		bucket:     bucket,
		region:     region,
		prefix:     prefix,
		httpClient: &http.Client{Timeout: defaultDownloadTimeout},
		newKey:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.uploader == nil {
		sess, err := session.NewSession(&aws.Config{
			Region: aws.String(region),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		m.uploader = s3manager.NewUploader(sess)
	}
	return m, nil
}

// Mirror copies sourceURL into the bucket under the parent scene's prefix
// and returns the public location of the copy
func (m *S3Mirror) Mirror(ctx context.Context, parentSceneID, sourceURL string) (string, error) {
	body, contentType, err := m.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	key := m.objectKey(parentSceneID, sourceURL, contentType)
	out, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apperror.Wrap(apperror.KindTimeout, opMirror, ctx.Err())
		}
		return "", apperror.Wrap(apperror.KindUpstream, opMirror, fmt.Errorf("upload %s: %w", key, err))
	}

	location := out.Location
	if location == "" {
		location = fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.bucket, m.region, key)
	}

	logger.Debug("Artifact mirrored", logger.Fields{
		"scene_id": parentSceneID,
		"bytes":    len(body),
		"key":      key,
	})
	return location, nil
}

func (m *S3Mirror) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", apperror.Wrap(apperror.KindValidation, opMirror, err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", apperror.Wrap(apperror.KindTimeout, opMirror, ctx.Err())
		}
		return nil, "", apperror.Wrap(apperror.KindUpstream, opMirror, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := apperror.New(apperror.KindUpstream, opMirror, fmt.Sprintf("artifact download returned %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, "", e
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", apperror.Wrap(apperror.KindUpstream, opMirror, err)
	}
	if len(body) > maxArtifactBytes {
		return nil, "", apperror.New(apperror.KindUpstream, opMirror, "artifact exceeds size limit")
	}
	if len(body) == 0 {
		return nil, "", apperror.New(apperror.KindEmptyResult, opMirror, "artifact is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "image/") {
		contentType = mediaType
	} else {
		contentType = http.DetectContentType(body)
		if !strings.HasPrefix(contentType, "image/") {
			contentType = defaultContentType
		}
	}
	return body, contentType, nil
}

func (m *S3Mirror) objectKey(parentSceneID, sourceURL, contentType string) string {
	ext := path.Ext(strings.SplitN(sourceURL, "?", 2)[0])
	if ext == "" || len(ext) > 5 {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".png"
		}
	}
	return m.prefix + parentSceneID + "/" + m.newKey() + ext
}
