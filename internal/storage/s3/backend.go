// Package s3 stores blobs in S3 or MinIO.
//
// S3 objects cannot be written at an offset, so a blob is a prefix holding
// one part object per write:
//
//	blobs/<ulid>/.blob                  marker, created by Create
//	blobs/<ulid>/parts/<offset:%020d>   bytes written at offset
//
// The zero padded offset makes key order match byte order. A write at an
// existing part's offset replaces that part; any other overlap is refused.
package s3

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/storage"
)

// DefaultReadBufferSize bounds each chunk yielded by ReadRange.
const DefaultReadBufferSize = 64 * 1024

const (
	blobPrefix = "blobs/"
	markerName = ".blob"
	partsDir   = "parts/"
)

// API is the subset of *s3.Client the store uses.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Config holds S3 store settings.
type Config struct {
	Endpoint       string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	ReadBufferSize int
}

// Store implements storage.BlobStore on an S3 bucket.
type Store struct {
	client  API
	bucket  string
	bufSize int
	locks   storage.HandleLocks
}

var _ storage.BlobStore = (*Store)(nil)

// New creates an S3 client from cfg and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "http://"
				if cfg.UseSSL {
					scheme = "https://"
				}
				endpoint = scheme + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	s := NewWithClient(client, cfg.Bucket, cfg.ReadBufferSize)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithClient returns a Store using an existing client.
func NewWithClient(client API, bucket string, readBufferSize int) *Store {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &Store{client: client, bucket: bucket, bufSize: readBufferSize}
}

func (s *Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	return nil
}

// Kind returns storage.KindObject.
func (s *Store) Kind() storage.Kind { return storage.KindObject }

// WriteMode returns storage.ModeOffset.
func (s *Store) WriteMode() storage.WriteMode { return storage.ModeOffset }

// Close is a no-op for S3 stores.
func (s *Store) Close() error { return nil }

func (s *Store) fail(op, handle string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		err = fmt.Errorf("%w: %v", storage.ErrBlobNotFound, err)
	}
	return storage.Wrap(storage.KindObject, op, handle, err)
}

// deleteErrors turns per-object DeleteObjects failures into one error naming
// the first failed key. Keys already gone do not count.
func deleteErrors(errs []types.Error) error {
	var failed []types.Error
	for _, e := range errs {
		if aws.ToString(e.Code) != "NoSuchKey" {
			failed = append(failed, e)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	first := failed[0]
	return fmt.Errorf("%d objects not deleted, first %s: %w", len(failed), aws.ToString(first.Key),
		&smithy.GenericAPIError{Code: aws.ToString(first.Code), Message: aws.ToString(first.Message)})
}

func validHandle(handle string) error {
	id, ok := strings.CutPrefix(handle, blobPrefix)
	if !ok {
		return fmt.Errorf("%w: malformed handle", storage.ErrBlobNotFound)
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: malformed handle", storage.ErrBlobNotFound)
	}
	return nil
}

func partKey(handle string, off int64) string {
	return fmt.Sprintf("%s/%s%020d", handle, partsDir, off)
}

type part struct {
	off  int64
	size int64
	key  string
}

func (p part) end() int64 { return p.off + p.size }

// listParts returns the blob's parts ordered by offset. It fails with
// ErrBlobNotFound when the marker is missing.
func (s *Store) listParts(ctx context.Context, handle string) ([]part, error) {
	if err := validHandle(handle); err != nil {
		return nil, err
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(handle + "/"),
	})

	var parts []part
	marker := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rest := strings.TrimPrefix(key, handle+"/")
			if rest == markerName {
				marker = true
				continue
			}
			offStr, ok := strings.CutPrefix(rest, partsDir)
			if !ok {
				continue
			}
			off, err := strconv.ParseInt(offStr, 10, 64)
			if err != nil {
				continue
			}
			parts = append(parts, part{off: off, size: aws.ToInt64(obj.Size), key: key})
		}
	}
	if !marker {
		return nil, storage.ErrBlobNotFound
	}
	slices.SortFunc(parts, func(a, b part) int { return cmp.Compare(a.off, b.off) })
	return parts, nil
}

func blobSize(parts []part) int64 {
	var size int64
	for _, p := range parts {
		size = max(size, p.end())
	}
	return size
}

func (s *Store) put(ctx context.Context, key string, p []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(p),
		ContentLength: aws.Int64(int64(len(p))),
	})
	return err
}

// Create writes the marker object for a new ULID handle.
func (s *Store) Create(ctx context.Context) (string, error) {
	handle := blobPrefix + ulid.Make().String()
	if err := s.put(ctx, handle+"/"+markerName, nil); err != nil {
		return "", s.fail("create", handle, err)
	}
	return handle, nil
}

// Append writes p as a new part at the current end of the blob.
func (s *Store) Append(ctx context.Context, handle string, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, s.fail("append", handle, err)
	}
	unlock := s.locks.Lock(handle)
	defer unlock()

	parts, err := s.listParts(ctx, handle)
	if err != nil {
		return 0, s.fail("append", handle, err)
	}
	if err := s.put(ctx, partKey(handle, blobSize(parts)), p); err != nil {
		return 0, s.fail("append", handle, err)
	}
	return len(p), nil
}

// WriteAt writes p as the part starting at off.
func (s *Store) WriteAt(ctx context.Context, handle string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, s.fail("write_at", handle, fmt.Errorf("negative offset %d", off))
	}
	if err := ctx.Err(); err != nil {
		return 0, s.fail("write_at", handle, err)
	}
	unlock := s.locks.Lock(handle)
	defer unlock()

	parts, err := s.listParts(ctx, handle)
	if err != nil {
		return 0, s.fail("write_at", handle, err)
	}
	end := off + int64(len(p))
	for _, existing := range parts {
		if existing.off == off {
			continue
		}
		if off < existing.end() && existing.off < end {
			return 0, s.fail("write_at", handle, fmt.Errorf("%w: [%d, %d) intersects part at %d",
				storage.ErrOverlap, off, end, existing.off))
		}
	}
	if err := s.put(ctx, partKey(handle, off), p); err != nil {
		return 0, s.fail("write_at", handle, err)
	}
	return len(p), nil
}

// Size returns the end of the last part.
func (s *Store) Size(ctx context.Context, handle string) (int64, error) {
	parts, err := s.listParts(ctx, handle)
	if err != nil {
		return 0, s.fail("size", handle, err)
	}
	return blobSize(parts), nil
}

// ReadRange issues one ranged GET per overlapping part. Gaps between parts
// read back as zeros, matching a sparse file.
func (s *Store) ReadRange(ctx context.Context, handle string, start, end int64) iter.Seq2[storage.Chunk, error] {
	if err := storage.CheckRange(storage.KindObject, handle, start, end); err != nil {
		return storage.FailedRead(err)
	}
	return func(yield func(storage.Chunk, error) bool) {
		parts, err := s.listParts(ctx, handle)
		if err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return
		}
		if size := blobSize(parts); end >= size {
			yield(storage.Chunk{}, s.fail("read", handle,
				fmt.Errorf("%w: end %d beyond size %d", storage.ErrInvalidRange, end, size)))
			return
		}

		off := start
		for _, p := range parts {
			if off > end {
				return
			}
			if p.end() <= off || p.size == 0 {
				continue
			}
			if p.off > off {
				gapEnd := min(p.off, end+1)
				if !s.yieldZeros(off, gapEnd, yield) {
					return
				}
				off = gapEnd
				if off > end {
					return
				}
			}
			last := min(p.end()-1, end)
			if !s.readPart(ctx, handle, p, off, last, yield) {
				return
			}
			off = last + 1
		}
		if off <= end {
			s.yieldZeros(off, end+1, yield)
		}
	}
}

func (s *Store) yieldZeros(from, to int64, yield func(storage.Chunk, error) bool) bool {
	for off := from; off < to; {
		n := min(int64(s.bufSize), to-off)
		if !yield(storage.Chunk{Offset: off, Data: make([]byte, n)}, nil) {
			return false
		}
		off += n
	}
	return true
}

// readPart streams the absolute window [from, to] out of part p.
func (s *Store) readPart(ctx context.Context, handle string, p part, from, to int64, yield func(storage.Chunk, error) bool) bool {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", from-p.off, to-p.off)),
	})
	if err != nil {
		yield(storage.Chunk{}, s.fail("read", handle, err))
		return false
	}
	defer out.Body.Close()

	for off := from; off <= to; {
		n := min(int64(s.bufSize), to-off+1)
		buf := make([]byte, n)
		if _, err := io.ReadFull(out.Body, buf); err != nil {
			yield(storage.Chunk{}, s.fail("read", handle, err))
			return false
		}
		if !yield(storage.Chunk{Offset: off, Data: buf}, nil) {
			return false
		}
		off += n
	}
	return true
}

// Delete removes the marker and every part. Deleting a missing blob is not
// an error.
func (s *Store) Delete(ctx context.Context, handle string) error {
	if validHandle(handle) != nil {
		return nil
	}
	unlock := s.locks.Lock(handle)
	defer unlock()

	start := time.Now()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(handle + "/"),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.fail("delete", handle, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s.fail("delete", handle, err)
		}
		// Quiet mode reports per-object failures only in the response body.
		if err := deleteErrors(out.Errors); err != nil {
			return s.fail("delete", handle, err)
		}
		deleted += len(objects)
	}
	logging.Debug("S3 blob deleted",
		zap.String("handle", handle),
		zap.Int("objects", deleted),
		zap.Duration("duration", time.Since(start)))
	return nil
}
