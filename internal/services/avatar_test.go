package services

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/baseapp/apiserver/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) EnsureBucket(ctx context.Context) error { return nil }

func (m *memoryObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memoryObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryObjects) Bucket() string { return "test" }

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestAvatarService_UploadReplacesPrevious(t *testing.T) {
	repo := newRepo()
	objects := newMemoryObjects()
	accounts := NewAccountService(repo, nil)
	svc := NewAvatarService(accounts, objects, "https://cdn.example/", nil)
	ctx := context.Background()
	seedAccount(t, repo, "a1", "alice", "alice@x.com", true)

	first, err := svc.Upload(ctx, "a1", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Avatar, "https://cdn.example/avatars/a1/"))
	assert.True(t, strings.HasSuffix(first.Avatar, ".png"))

	firstKey := strings.TrimPrefix(first.Avatar, "https://cdn.example/")
	assert.Equal(t, "image/png", objects.types[firstKey])

	second, err := svc.Upload(ctx, "a1", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.NotEqual(t, first.Avatar, second.Avatar)

	_, err = svc.Open(ctx, firstKey)
	requireKind(t, err, KindNotFound)

	rc, err := svc.Open(ctx, strings.TrimPrefix(second.Avatar, "https://cdn.example/"))
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestAvatarService_RejectsBadUploads(t *testing.T) {
	repo := newRepo()
	svc := NewAvatarService(NewAccountService(repo, nil), newMemoryObjects(), "/media", nil)
	ctx := context.Background()
	seedAccount(t, repo, "a1", "alice", "alice@x.com", true)

	_, err := svc.Upload(ctx, "a1", strings.NewReader("just some text"))
	requireKind(t, err, KindValidation)

	_, err = svc.Upload(ctx, "a1", bytes.NewReader(nil))
	requireKind(t, err, KindValidation)

	big := append(append([]byte{}, pngHeader...), make([]byte, MaxAvatarBytes)...)
	_, err = svc.Upload(ctx, "a1", bytes.NewReader(big))
	requireKind(t, err, KindValidation)

	_, err = svc.Open(ctx, "../etc/passwd")
	requireKind(t, err, KindNotFound)
}
