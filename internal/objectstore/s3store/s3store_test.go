package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/retry"
)

type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	getErrors int
	gets      int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErrors > 0 {
		f.getErrors--
		return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &manager.UploadOutput{Key: in.Key}, nil
}

func newStore(f *fakeS3) *Store {
	return NewWithAPI(f, f, "bitloss", "/images/", "https://cdn.example.com/", retry.Policy{MaxAttempts: 3, Delay: time.Millisecond})
}

func TestPutGetDelete(t *testing.T) {
	f := newFakeS3()
	s := newStore(f)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "active/a.png", []byte("pixels"), "image/png"))
	assert.Contains(t, f.objects, "images/active/a.png", "prefix is applied")

	data, err := s.Get(ctx, "active/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), data)

	require.NoError(t, s.Delete(ctx, "active/a.png"))
	require.NoError(t, s.Delete(ctx, "active/a.png"))

	_, err = s.Get(ctx, "active/a.png")
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "error = %v", err)
}

func TestGetRetriesThrottling(t *testing.T) {
	f := newFakeS3()
	f.objects["images/originals/a.png"] = []byte("orig")
	f.getErrors = 2
	s := newStore(f)

	data, err := s.Get(context.Background(), "originals/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), data)
	assert.Equal(t, 3, f.gets)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	f := newFakeS3()
	s := newStore(f)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	assert.Equal(t, 1, f.gets)
}

func TestURL(t *testing.T) {
	s := newStore(newFakeS3())
	assert.Equal(t, "https://cdn.example.com/images/active/a.png", s.URL("active/a.png"))
}
