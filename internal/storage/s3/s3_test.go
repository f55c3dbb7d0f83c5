package s3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/storage"
)

// mockS3Client records PutObject calls.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	m.objects[key] = data
	m.types[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestBackend_WriteFile(t *testing.T) {
	t.Parallel()

	client := newMockS3Client()
	b := NewWithClient("mail-bucket", "/email/", client)

	err := b.WriteFile(context.Background(), "20240101_000000/email.json", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, []byte(`{}`), client.objects["email/20240101_000000/email.json"])
	assert.Equal(t, "application/json", client.types["email/20240101_000000/email.json"])
}

func TestBackend_KeyWithoutPrefix(t *testing.T) {
	t.Parallel()

	b := NewWithClient("bucket", "", newMockS3Client())
	assert.Equal(t, "a/b.txt", b.Key("a/b.txt"))
	assert.Equal(t, "s3", b.Name())
	assert.NoError(t, b.MkdirAll(context.Background(), "anything"))
}

func TestBackend_WriteFileError(t *testing.T) {
	t.Parallel()

	client := newMockS3Client()
	client.err = errors.New("access denied")
	b := NewWithClient("bucket", "email", client)

	err := b.WriteFile(context.Background(), "x/email.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://bucket/email/x/email.txt")
	assert.Contains(t, err.Error(), "access denied")
}

func TestBackend_WithWriter(t *testing.T) {
	t.Parallel()

	client := newMockS3Client()
	b := NewWithClient("bucket", "email", client)
	clock := func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }
	w := storage.NewWriter(b, slog.New(slog.NewTextHandler(io.Discard, nil)), storage.WithClock(clock))

	html := "<p>hi</p>"
	_, err := w.Persist(context.Background(),
		&email.Envelope{From: "s@example.com", To: []string{"r@example.com"}},
		&email.Message{
			HTMLContent: &html,
			Attachments: []email.Attachment{{Filename: "a.pdf", Content: []byte("%PDF")}},
		},
	)
	require.NoError(t, err)

	assert.Contains(t, client.objects, "email/20240102_030405/email.txt")
	assert.Contains(t, client.objects, "email/20240102_030405/email.json")
	assert.Equal(t, []byte(html), client.objects["email/20240102_030405/email.html"])
	assert.Equal(t, []byte("%PDF"), client.objects["email/20240102_030405/attachments/a.pdf"])
	assert.Equal(t, "application/pdf", client.types["email/20240102_030405/attachments/a.pdf"])
}
