package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{prefix: "", name: "acme/abc.txt", want: "acme/abc.txt"},
		{prefix: "artifacts/", name: "acme/abc.txt", want: "artifacts/acme/abc.txt"},
		{prefix: "/artifacts", name: "/acme/abc.pdf", want: "artifacts/acme/abc.pdf"},
	}
	for _, tt := range tests {
		s := &BlobStore{bucket: "b", prefix: trimPrefix(tt.prefix)}
		require.Equal(t, tt.want, s.objectName(tt.name))
	}
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "b"}
	_, err := s.PutObject(context.Background(), "  ", "text/plain", []byte("x"))
	require.Error(t, err)
}
