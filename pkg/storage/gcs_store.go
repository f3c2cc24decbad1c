package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore on Google Cloud Storage.
// The object generation number plays the role of the ETag.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a storage client scoped to read/write.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (g *GCSStore) Bucket() string { return g.bucket }

// Put uploads an object. IfMatch carries the expected generation.
func (g *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, opts PutOptions) error {
	obj := g.client.Bucket(g.bucket).Object(key)
	switch {
	case opts.IfNoneMatch:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case opts.IfMatch != "":
		gen, err := strconv.ParseInt(opts.IfMatch, 10, 64)
		if err != nil {
			return fmt.Errorf("put object: bad generation %q: %w", opts.IfMatch, ErrPreconditionFailed)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := obj.NewWriter(wctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata
	return writeOrAbort(w, r, cancel)
}

// writeOrAbort streams r into w. Closing a GCS writer commits the object, so a failed
// copy cancels the writer's context first and the partial upload is discarded.
func writeOrAbort(w io.WriteCloser, r io.Reader, abort context.CancelFunc) error {
	if _, err := io.Copy(w, r); err != nil {
		abort()
		_ = w.Close()
		return fmt.Errorf("put object: %w", err)
	}
	if err := w.Close(); err != nil {
		return mapGCSError("put object", err)
	}
	return nil
}

// Get opens an object for reading, pinned to the generation that was stat'ed.
func (g *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj := g.client.Bucket(g.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, ObjectInfo{}, mapGCSError("get object", err)
	}
	rc, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, ObjectInfo{}, mapGCSError("get object", err)
	}
	return rc, gcsInfo(attrs), nil
}

// Stat fetches object attributes without the body.
func (g *GCSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, mapGCSError("stat object", err)
	}
	return gcsInfo(attrs), nil
}

// List returns every object under prefix.
func (g *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError("list objects", err)
		}
		out = append(out, gcsInfo(attrs))
	}
	return out, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeleteMany removes objects one by one; GCS has no batch delete in this client.
func (g *GCSStore) DeleteMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := g.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// PresignGet generates a V4 signed GET URL.
func (g *GCSStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	url, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url, nil
}

// Ping checks that the bucket is reachable.
func (g *GCSStore) Ping(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return mapGCSError("bucket attrs", err)
	}
	return nil
}

func gcsInfo(attrs *storage.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
		ETag:         strconv.FormatInt(attrs.Generation, 10),
		Metadata:     lowerKeys(attrs.Metadata),
	}
}

func mapGCSError(op string, err error) error {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: bucket does not exist: %w", op, err)
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound && strings.Contains(strings.ToLower(gerr.Message), "bucket"):
			return fmt.Errorf("%s: bucket does not exist: %w", op, err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case gerr.Code == http.StatusPreconditionFailed:
			return fmt.Errorf("%s: %w", op, ErrPreconditionFailed)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
