package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"golang.org/x/sync/errgroup"
)

// S3 multipart limits. Every part but the last must reach minPartSize.
const (
	minPartSize  = 5 << 20
	maxPartSize  = 5 << 30
	maxPartCount = 10000
)

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// Client is the part of the S3 API the backend uses
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Backend is the remote blob backend. Staged blocks are kept as temporary
// objects next to the final key. On commit S3 assembles them itself through
// a multipart copy when their sizes meet the multipart limits; otherwise the
// blocks are streamed through this process into the final object.
type Backend struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	config   Config
}

// New creates a new S3-compatible storage backend
func New(config Config) (simplerecords.BlobBackend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	backend := NewWithClient(s3.NewFromConfig(awsCfg, s3Options...), config)
	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return backend, nil
}

// NewWithClient creates a backend on an existing client
func NewWithClient(client Client, config Config) *Backend {
	return &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   config.Bucket,
		config:   config,
	}
}

func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) && apiErrorCode(err) != "NoSuchBucket" {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if b.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		switch apiErrorCode(err) {
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (b *Backend) Name() string {
	return "s3:" + b.bucket
}

func (b *Backend) Storage() simplerecords.FileStorage {
	return simplerecords.FileStorageRemote
}

// Put uploads a whole object
func (b *Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	if err := b.upload(ctx, key, counter); err != nil {
		return 0, err
	}
	return counter.n, nil
}

// Stage uploads one block as a temporary object
func (b *Backend) Stage(ctx context.Context, key string, blockIndex int, r io.Reader) (string, error) {
	blockID := fmt.Sprintf("%06d-%s", blockIndex, uuid.New())
	if err := b.upload(ctx, blockKey(key, blockID), r); err != nil {
		return "", fmt.Errorf("failed to stage block %d: %w", blockIndex, err)
	}
	return blockID, nil
}

// Commit assembles the staged blocks, in order, into the final object. The
// blocks stay in place until Discard. An empty block list writes an empty
// object.
func (b *Backend) Commit(ctx context.Context, key string, blockIDs []string) (int64, error) {
	if len(blockIDs) == 0 {
		return b.commitStreamed(ctx, key, nil)
	}
	sizes, err := b.blockSizes(ctx, key, blockIDs)
	if err != nil {
		return 0, err
	}
	if !copyable(sizes) {
		return b.commitStreamed(ctx, key, blockIDs)
	}
	return b.commitCopied(ctx, key, blockIDs, sizes)
}

// copyable reports whether blocks of these sizes can be multipart parts.
func copyable(sizes []int64) bool {
	if len(sizes) > maxPartCount {
		return false
	}
	for i, n := range sizes {
		if n > maxPartSize || (i < len(sizes)-1 && n < minPartSize) {
			return false
		}
	}
	return true
}

func (b *Backend) blockSizes(ctx context.Context, key string, blockIDs []string) ([]int64, error) {
	sizes := make([]int64, len(blockIDs))
	for i, id := range blockIDs {
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(blockKey(key, id)),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) || apiErrorCode(err) == "NotFound" {
				return nil, fmt.Errorf("block %s: %w", id, simplerecords.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to stat block %s: %w", id, err)
		}
		sizes[i] = aws.ToInt64(head.ContentLength)
	}
	return sizes, nil
}

// commitCopied has S3 concatenate the block objects with UploadPartCopy.
func (b *Backend) commitCopied(ctx context.Context, key string, blockIDs []string, sizes []int64) (int64, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = b.encryption()
	created, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to start multipart upload: %w", err)
	}

	parts := make([]types.CompletedPart, len(blockIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range blockIDs {
		g.Go(func() error {
			partNumber := aws.Int32(int32(i + 1))
			out, err := b.client.UploadPartCopy(gctx, &s3.UploadPartCopyInput{
				Bucket:     aws.String(b.bucket),
				Key:        aws.String(key),
				UploadId:   created.UploadId,
				PartNumber: partNumber,
				CopySource: aws.String(copySource(b.bucket, blockKey(key, id))),
			})
			if err != nil {
				return fmt.Errorf("failed to copy block %s: %w", id, err)
			}
			parts[i] = types.CompletedPart{PartNumber: partNumber}
			if out.CopyPartResult != nil {
				parts[i].ETag = out.CopyPartResult.ETag
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.abort(key, created.UploadId)
		return 0, err
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		b.abort(key, created.UploadId)
		return 0, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	var total int64
	for _, n := range sizes {
		total += n
	}
	return total, nil
}

func (b *Backend) abort(key string, uploadID *string) {
	_, _ = b.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// commitStreamed reads the blocks back through this process and uploads
// them as one object.
func (b *Backend) commitStreamed(ctx context.Context, key string, blockIDs []string) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		for _, id := range blockIDs {
			if err := b.copyObject(ctx, pw, blockKey(key, id)); err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read block %s: %w", id, err))
				return
			}
		}
		pw.Close()
	}()

	counter := &countingReader{r: pr}
	err := b.upload(ctx, key, counter)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return 0, err
	}
	return counter.n, nil
}

// Discard removes staged block objects
func (b *Backend) Discard(ctx context.Context, key string, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(blockIDs))
	for i, id := range blockIDs {
		objects[i] = types.ObjectIdentifier{Key: aws.String(blockKey(key, id))}
	}
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to delete blocks from S3: %w", err)
	}
	return nil
}

// Get opens the object body. Nothing is buffered here.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) || apiErrorCode(err) == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", key, simplerecords.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

// Delete deletes content from S3
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

func (b *Backend) upload(ctx context.Context, key string, r io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = b.encryption()

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// encryption returns the server-side encryption settings for new objects.
func (b *Backend) encryption() (types.ServerSideEncryption, *string) {
	if !b.config.EnableSSE {
		return "", nil
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		return types.ServerSideEncryptionAes256, nil
	case "aws:kms":
		if b.config.SSEKMSKeyID != "" {
			return types.ServerSideEncryptionAwsKms, aws.String(b.config.SSEKMSKeyID)
		}
		return types.ServerSideEncryptionAwsKms, nil
	}
	return "", nil
}

func (b *Backend) copyObject(ctx context.Context, w io.Writer, key string) error {
	body, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

func blockKey(key, blockID string) string {
	return key + ".blocks/" + blockID
}

// copySource renders bucket/key for x-amz-copy-source with each key segment
// URL-encoded.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if err != nil && strings.Contains(err.Error(), "NoSuchBucket") {
		return "NoSuchBucket"
	}
	return ""
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
