// Package export uploads delivered artifacts to S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"studioline/internal/config"
	"studioline/internal/domain"
)

// PutObjectAPI is the slice of the S3 client the exporter needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object describes one uploaded artifact.
type Object struct {
	ArtifactID  string `json:"artifact_id"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	ETag        string `json:"etag,omitempty"`
}

type Exporter struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// New builds an exporter from config using the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3-compatible stores.
func New(ctx context.Context, cfg config.ExportConfig) (*Exporter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("export bucket not configured")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Exporter{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (x *Exporter) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// Export uploads each artifact under <prefix>/<production>/<phase>/. Uploading
// stops at the first failure; objects already written are returned with the error.
func (x *Exporter) Export(ctx context.Context, productionID string, ph domain.Phase, arts []domain.Artifact) ([]Object, error) {
	if x.Client == nil {
		return nil, errors.New("export client not configured")
	}
	var out []Object
	for _, a := range arts {
		body, err := Body(a)
		if err != nil {
			return out, err
		}
		mt := mimetype.Detect(body)
		key := Key(x.Prefix, productionID, ph, a, mt.Extension())
		res, err := x.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(x.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(mt.String()),
			Metadata: map[string]string{
				"artifact-id": a.ID,
				"department":  string(a.Department),
				"version":     fmt.Sprint(a.Version),
			},
		})
		if err != nil {
			x.logger().Warn("artifact upload failed", "artifact", a.ID, "key", key, "error", err)
			return out, fmt.Errorf("upload %s: %w", a.ID, err)
		}
		obj := Object{ArtifactID: a.ID, Bucket: x.Bucket, Key: key, ContentType: mt.String(), Size: len(body)}
		if res != nil && res.ETag != nil {
			obj.ETag = strings.Trim(*res.ETag, `"`)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Body is the uploaded representation of an artifact: its textual content when
// the payload carries one, otherwise the payload as JSON.
func Body(a domain.Artifact) ([]byte, error) {
	if s, ok := a.Payload["content"].(string); ok && s != "" {
		return []byte(s), nil
	}
	data, err := json.MarshalIndent(a.Payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", a.ID, err)
	}
	return data, nil
}

var unsafeKey = regexp.MustCompile(`[^a-z0-9]+`)

// Key builds the object key for an artifact.
func Key(prefix, productionID string, ph domain.Phase, a domain.Artifact, ext string) string {
	name := strings.Trim(unsafeKey.ReplaceAllString(strings.ToLower(a.Name), "-"), "-")
	if name == "" {
		name = a.Type
	}
	return path.Join(prefix, productionID, string(ph), fmt.Sprintf("%s-v%d%s", name, a.Version, ext))
}
