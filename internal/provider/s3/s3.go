// Package s3 provides a Source over S3-compatible object storage.
//
// Object keys are record ids. The ETag stands in for the content hash when it
// is a plain MD5; multipart ETags ("<md5>-<parts>") are not content hashes and
// leave the record without one. Trashing copies the object under a trash
// prefix and removes the original, since S3 has no trash of its own.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/dupescan/dupescan/internal/model"
	"github.com/dupescan/dupescan/internal/provider"
)

// DefaultTrashPrefix is where trashed objects are moved.
const DefaultTrashPrefix = ".trash/"

// statConcurrency bounds StatObject calls inside one batch.
const statConcurrency = 8

// Source lists and trashes objects in one bucket.
type Source struct {
	mu sync.RWMutex

	client      *minio.Client
	endpoint    string
	bucketName  string
	prefix      string
	trashPrefix string
	accessKey   string
}

// Options configures a Source.
type Options struct {
	Endpoint    string
	Bucket      string
	Prefix      string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	TrashPrefix string
}

// New creates a Source from opts.
func New(opts Options) (*Source, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	trash := opts.TrashPrefix
	if trash == "" {
		trash = DefaultTrashPrefix
	}

	return &Source{
		client:      client,
		endpoint:    opts.Endpoint,
		bucketName:  opts.Bucket,
		prefix:      opts.Prefix,
		trashPrefix: trash,
		accessKey:   opts.AccessKey,
	}, nil
}

// Open is the registry factory for "s3://bucket/prefix". Endpoint and
// credentials come from DUPESCAN_S3_ENDPOINT, AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY. DUPESCAN_S3_INSECURE=1 disables TLS.
func Open(target string) (provider.Source, error) {
	u, err := url.Parse("s3://" + target)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 target '%s': expected bucket[/prefix]", target)
	}

	endpoint := os.Getenv("DUPESCAN_S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	return New(Options{
		Endpoint:  endpoint,
		Bucket:    u.Host,
		Prefix:    strings.TrimPrefix(u.Path, "/"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		UseSSL:    os.Getenv("DUPESCAN_S3_INSECURE") != "1",
	})
}

// Name returns the source URI.
func (s *Source) Name() string {
	return "s3://" + path.Join(s.bucketName, s.prefix)
}

// Fingerprint identifies the endpoint, bucket and access key in use.
func (s *Source) Fingerprint() string {
	return provider.Fingerprint(s.endpoint, s.bucketName, s.accessKey)
}

// objectRecord converts object info into a FileRecord.
func objectRecord(obj minio.ObjectInfo, trashPrefix string) model.FileRecord {
	parent := path.Dir(obj.Key)
	if parent == "." || parent == "" {
		parent = "/"
	}
	return model.FileRecord{
		ID:          obj.Key,
		Name:        path.Base(obj.Key),
		MimeType:    obj.ContentType,
		ContentHash: etagHash(obj.ETag),
		Size:        obj.Size,
		Parents:     []string{parent},
		Trashed:     strings.HasPrefix(obj.Key, trashPrefix),
		ModifiedAt:  obj.LastModified,
	}
}

// etagHash returns the MD5 carried by a single-part ETag, or "".
func etagHash(etag string) string {
	etag = strings.Trim(etag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

// classify maps an S3 error response onto the provider error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return provider.Permanent(fmt.Errorf("%w: %w", provider.ErrNotFound, err))
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return provider.Permanent(fmt.Errorf("%w: %w", provider.ErrPermission, err))
	case resp.Code == "SlowDown" || resp.StatusCode == http.StatusTooManyRequests:
		return provider.Transient(fmt.Errorf("%w: %w", provider.ErrRateLimited, err))
	case resp.StatusCode >= 500:
		return provider.Transient(err)
	case resp.StatusCode >= 400:
		return provider.Permanent(err)
	default:
		return provider.Transient(err)
	}
}

// iterator drains a ListObjects channel.
type iterator struct {
	objects     <-chan minio.ObjectInfo
	cancel      context.CancelFunc
	trashPrefix string
}

// List enumerates every object under the prefix, skipping the trash.
func (s *Source) List(ctx context.Context) (provider.RecordIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listCtx, cancel := context.WithCancel(ctx)
	objects := s.client.ListObjects(listCtx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	})
	return &iterator{objects: objects, cancel: cancel, trashPrefix: s.trashPrefix}, nil
}

// Next returns the next object outside the trash prefix.
func (it *iterator) Next(ctx context.Context) (model.FileRecord, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return model.FileRecord{}, false, ctx.Err()
		case obj, ok := <-it.objects:
			if !ok {
				return model.FileRecord{}, false, nil
			}
			if obj.Err != nil {
				return model.FileRecord{}, false, classify(obj.Err)
			}
			if strings.HasPrefix(obj.Key, it.trashPrefix) || strings.HasSuffix(obj.Key, "/") {
				continue
			}
			return objectRecord(obj, it.trashPrefix), true, nil
		}
	}
}

// Close stops the listing goroutine.
func (it *iterator) Close() error {
	it.cancel()
	return nil
}

// GetBatch stats every key in the batch concurrently.
func (s *Source) GetBatch(ctx context.Context, ids []string) (map[string]provider.BatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mu sync.Mutex
	result := make(map[string]provider.BatchResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			info, err := s.client.StatObject(gctx, s.bucketName, id, minio.StatObjectOptions{})
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result[id] = provider.BatchResult{Err: classify(err)}
				return nil
			}
			result[id] = provider.BatchResult{Record: objectRecord(info, s.trashPrefix)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// TrashBatch copies each key under the trash prefix, then removes the
// originals in a single multi-object delete.
func (s *Source) TrashBatch(ctx context.Context, ids []string) (map[string]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]error, len(ids))
	copied := make([]string, 0, len(ids))
	for _, id := range ids {
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucketName, Object: s.trashPrefix + id},
			minio.CopySrcOptions{Bucket: s.bucketName, Object: id},
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result[id] = classify(err)
			continue
		}
		copied = append(copied, id)
		result[id] = nil
	}
	if len(copied) == 0 {
		return result, nil
	}

	objects := make(chan minio.ObjectInfo, len(copied))
	for _, id := range copied {
		objects <- minio.ObjectInfo{Key: id}
	}
	close(objects)

	for rerr := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			result[rerr.ObjectName] = classify(rerr.Err)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return result, nil
}
