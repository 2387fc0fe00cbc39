package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPutFileSigns(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotHdr = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "snap.zst")
	require.NoError(t, os.WriteFile(local, []byte("cells"), 0o644))

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "canvas", AccessKey: "AK", SecretKey: "SK"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, c.PutFile(context.Background(), "/snapshots/a b.zst", local))

	assert.Equal(t, "/canvas/snapshots/a%20b.zst", gotPath)
	assert.Equal(t, []byte("cells"), gotBody)
	sum := sha256.Sum256([]byte("cells"))
	assert.Equal(t, hex.EncodeToString(sum[:]), gotHdr.Get("x-amz-content-sha256"))
	assert.Equal(t, "20260301T120000Z", gotHdr.Get("x-amz-date"))
	auth := gotHdr.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260301/auto/s3/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestClientReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local, nil, 0o644))

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "b", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	err = c.PutFile(context.Background(), "k", local)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(ClientConfig{Endpoint: "r2.example.com", Bucket: "b"})
	assert.Error(t, err)
	c, err := NewClient(ClientConfig{Endpoint: "r2.example.com", Bucket: "b", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example.com", c.endpoint)
}

func TestCleanKey(t *testing.T) {
	assert.Equal(t, "a/b", cleanKey(`\a\b`))
	assert.Equal(t, "b", cleanKey("/a/../b"))
	assert.Equal(t, "", cleanKey(" / "))
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("flaky")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirrorUploadsWithPrefixAndRetries(t *testing.T) {
	up := &fakeUploader{fails: 1}
	m := New(up, Options{Prefix: "/prod/", Workers: 1})
	m.Enqueue("journal/applied-2026-03-01-12.jsonl.zst", "unused")
	m.Enqueue("snapshots/exit.zst", "unused")
	m.Close()

	assert.Equal(t, []string{"prod/journal/applied-2026-03-01-12.jsonl.zst", "prod/snapshots/exit.zst"}, up.keys)
}

func TestNilMirrorIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("k", "p")
	m.Close()
}
