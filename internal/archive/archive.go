// Package archive writes purged reminders to S3 as zstd-compressed JSONL
// before the retention sweep deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"reminders/internal/types"
)

// S3Putter abstracts the S3 PutObject operation for testability.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds the archive destination.
type Config struct {
	Bucket string
	Prefix string
	// StorageClass defaults to GLACIER_IR.
	StorageClass s3types.StorageClass
}

// S3Archiver uploads one object per batch.
type S3Archiver struct {
	client S3Putter
	cfg    Config
	logger *slog.Logger

	encoderPool sync.Pool
	newKeyID    func() string
}

// NewS3Archiver creates an S3Archiver. Bucket is required.
func NewS3Archiver(client S3Putter, cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "reminders"
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = s3types.StorageClassGlacierIr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		cfg:    cfg,
		logger: logger,
		encoderPool: sync.Pool{
			New: func() any {
				e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
				}
				return e
			},
		},
		newKeyID: func() string { return uuid.NewString() },
	}, nil
}

// Key returns the object key for a batch archived at the given instant:
// {prefix}/YYYY/MM/DD/batch_{id}.jsonl.zst
func (a *S3Archiver) Key(at time.Time) string {
	at = at.UTC()
	return path.Join(a.cfg.Prefix,
		fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()),
		fmt.Sprintf("batch_%s.jsonl.zst", a.newKeyID()),
	)
}

// Archive serializes the batch and uploads it. An empty batch is a no-op.
func (a *S3Archiver) Archive(ctx context.Context, batch []*types.Reminder, at time.Time) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}

	raw, err := EncodeJSONL(batch)
	if err != nil {
		return "", err
	}
	compressed := a.compress(raw)

	key := a.Key(at)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		StorageClass:    a.cfg.StorageClass,
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("uploading archive s3://%s/%s", a.cfg.Bucket, key), err)
	}

	a.logger.InfoContext(ctx, "archived reminder batch",
		"s3_key", key,
		"records", len(batch),
		"raw_bytes", len(raw),
		"compressed_bytes", len(compressed),
	)
	return key, nil
}

func (a *S3Archiver) compress(raw []byte) []byte {
	enc := a.encoderPool.Get().(*zstd.Encoder)
	defer a.encoderPool.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// EncodeJSONL serializes reminders as newline-terminated JSON objects.
func EncodeJSONL(batch []*types.Reminder) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encoding reminder %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL decompresses an archive object and reverses EncodeJSONL.
func DecodeJSONL(compressed []byte) ([]*types.Reminder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}

	var out []*types.Reminder
	jd := json.NewDecoder(bytes.NewReader(raw))
	for jd.More() {
		var r types.Reminder
		if err := jd.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding archived reminder %d: %w", len(out), err)
		}
		out = append(out, &r)
	}
	return out, nil
}
