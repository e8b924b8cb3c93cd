package blobfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3FS implements BlobFileSystem over an S3-compatible object store. A
// logical path "dir/name" is backed by objects with keys
// "<prefix>/dir/name.N" for ascending blob numbers N, one PutObject per
// Write call — S3 has no append, so "append a blob" is simply "put the
// next-numbered object", which is naturally atomic from a reader's
// perspective (a GET either sees the whole object or a 404, never a
// partial one).
type S3FS struct {
	client    *s3.Client
	bucket    string
	prefix    string
	validator PathValidator
}

// NewS3FS builds an S3FS against bucket, storing objects under prefix
// (may be ""). Credentials and region come from the default AWS SDK v2
// credential chain (env vars, shared config, IAM role).
func NewS3FS(ctx context.Context, bucket, prefix, region string) (*S3FS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, newErr(KindFatal, "s3.new", bucket, err)
	}
	return &S3FS{
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		validator: s3PathValidator{},
	}, nil
}

func (fs *S3FS) Validator() PathValidator { return fs.validator }

type s3PathValidator struct{}

var s3InvalidKeyChars = regexp.MustCompile(`[\x00-\x1f]`)

func (s3PathValidator) Validate(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if len(path) > 900 {
		return fmt.Errorf("path %q exceeds S3 key length budget", path)
	}
	if s3InvalidKeyChars.MatchString(path) {
		return fmt.Errorf("path %q contains a control character", path)
	}
	return nil
}

func (fs *S3FS) key(path string, number int64) string {
	if fs.prefix == "" {
		return fmt.Sprintf("%s.%d", path, number)
	}
	return fmt.Sprintf("%s/%s.%d", fs.prefix, path, number)
}

func (fs *S3FS) keyPrefix(path string) string {
	if fs.prefix == "" {
		return path + "."
	}
	return fmt.Sprintf("%s/%s.", fs.prefix, path)
}

// isNotFound mirrors the retrieved pack's S3 content store: check the
// typed NoSuchKey/NotFound errors first, then the smithy API error code,
// then fall back to string matching for older SDK behaviors.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"InternalError", "ServiceUnavailable", "ServiceException":
			return true
		}
	}
	return false
}

func (fs *S3FS) blobs(ctx context.Context, path string) ([]BlobInfo, error) {
	var out []BlobInfo
	prefix := fs.keyPrefix(path)
	var token *string
	for {
		resp, err := fs.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(fs.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			suffix := key[len(prefix):]
			num, err := strconv.ParseInt(suffix, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, BlobInfo{Number: num, Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (fs *S3FS) Exists(ctx context.Context, path string) (bool, error) {
	blobs, err := fs.blobs(ctx, path)
	if err != nil {
		return false, newErr(KindTransient, "exists", path, err)
	}
	return len(blobs) > 0, nil
}

func (fs *S3FS) DirectoryExists(ctx context.Context, path string) (bool, error) {
	resp, err := fs.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(fs.bucket),
		Prefix:  aws.String(strings.TrimSuffix(fs.keyPrefix(path), ".") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, newErr(KindTransient, "directoryExists", path, err)
	}
	return len(resp.Contents) > 0, nil
}

func (fs *S3FS) Size(ctx context.Context, path string) (int64, error) {
	blobs, err := fs.blobs(ctx, path)
	if err != nil {
		return 0, newErr(KindTransient, "size", path, err)
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	return total, nil
}

func (fs *S3FS) Read(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	blobs, err := fs.blobs(ctx, path)
	if err != nil {
		return nil, newErr(KindTransient, "read", path, err)
	}
	if len(blobs) == 0 {
		return nil, newErr(KindNotFound, "read", path, nil)
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	if length < 0 {
		length = total - offset
	}
	out := make([]byte, 0, length)
	var consumed int64
	for _, b := range blobs {
		blobStart, blobEnd := consumed, consumed+b.Size
		consumed = blobEnd
		rangeStart := max64(offset, blobStart)
		rangeEnd := min64(offset+length, blobEnd)
		if rangeStart >= rangeEnd {
			continue
		}
		rangeHeader := fmt.Sprintf("bytes=%d-%d", rangeStart-blobStart, rangeEnd-blobStart-1)
		resp, err := fs.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(fs.bucket),
			Key:    aws.String(fs.key(path, b.Number)),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, newErr(KindNotFound, "read", path, err)
			}
			if isRetryable(err) {
				return nil, newErr(KindTransient, "read", path, err)
			}
			return nil, newErr(KindFatal, "read", path, err)
		}
		chunk, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, newErr(KindTransient, "read", path, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (fs *S3FS) Write(ctx context.Context, path string, data []byte) (int64, error) {
	if err := fs.validator.Validate(path); err != nil {
		return 0, newErr(KindInvalidPath, "write", path, err)
	}
	blobs, err := fs.blobs(ctx, path)
	if err != nil {
		return 0, newErr(KindTransient, "write", path, err)
	}
	next := int64(0)
	if len(blobs) > 0 {
		next = blobs[len(blobs)-1].Number + 1
	}
	_, err = fs.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path, next)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		if isRetryable(err) {
			return 0, newErr(KindTransient, "write", path, err)
		}
		return 0, newErr(KindFatal, "write", path, err)
	}
	return int64(len(data)), nil
}

func (fs *S3FS) Delete(ctx context.Context, path string) error {
	blobs, err := fs.blobs(ctx, path)
	if err != nil {
		return newErr(KindTransient, "delete", path, err)
	}
	for _, b := range blobs {
		_, err := fs.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(fs.bucket),
			Key:    aws.String(fs.key(path, b.Number)),
		})
		if err != nil && !isNotFound(err) {
			return newErr(KindTransient, "delete", path, err)
		}
	}
	return nil
}

func (fs *S3FS) Move(ctx context.Context, src, dst string) error {
	return CopyViaReadWriteDelete(ctx, fs, src, dst)
}

func (fs *S3FS) Copy(ctx context.Context, src, dst string, off, length int64) error {
	data, err := fs.Read(ctx, src, off, length)
	if err != nil {
		return err
	}
	_, err = fs.Write(ctx, dst, data)
	return err
}

func (fs *S3FS) Truncate(ctx context.Context, path string, newLen int64) error {
	data, err := fs.Read(ctx, path, 0, newLen)
	if err != nil {
		return err
	}
	if err := fs.Delete(ctx, path); err != nil {
		return err
	}
	_, err = fs.Write(ctx, path, data)
	return err
}

func (fs *S3FS) VisitChildren(ctx context.Context, dir string, visit func(ChildInfo) error) error {
	prefix := dir
	if fs.prefix != "" {
		prefix = fs.prefix + "/" + dir
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	resp, err := fs.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(fs.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return newErr(KindTransient, "visitChildren", dir, err)
	}
	for _, cp := range resp.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if err := visit(ChildInfo{Name: name, IsDir: true}); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, obj := range resp.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[:idx]
		}
		if !seen[name] {
			seen[name] = true
			if err := visit(ChildInfo{Name: name, IsDir: false}); err != nil {
				return err
			}
		}
	}
	return nil
}
