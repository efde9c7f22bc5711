package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

func TestFileSystemBlobStore(t *testing.T) {
	store, err := NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := "project-p1/maps/c022.npy"

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, key)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.Put(ctx, key, strings.NewReader("payload"), "application/octet-stream"))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileSystemBlobStore_RejectsTraversal(t *testing.T) {
	store, err := NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../escape", strings.NewReader("x"), "text/plain")
	assert.True(t, errdefs.IsInvalid(err))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BlobStore(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := &S3BlobStore{client: fake, bucket: "media"}
	ctx := context.Background()

	_, err := store.Get(ctx, "avatars/1.png")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.Put(ctx, "avatars/1.png", strings.NewReader("png"), "image/png"))
	exists, err := store.Exists(ctx, "avatars/1.png")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Get(ctx, "avatars/1.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "png", string(data))

	require.NoError(t, store.Delete(ctx, "avatars/1.png"))
	exists, err = store.Exists(ctx, "avatars/1.png")
	require.NoError(t, err)
	assert.False(t, exists)
}
