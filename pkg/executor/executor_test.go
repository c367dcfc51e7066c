package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.Handler) *HTTPProvider {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPProvider(Config{BaseURL: server.URL, Token: "test"})
}

// TestExecStreamsEvents parses a full SSE exchange
func TestExecStreamsEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /sandboxes/build-1/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: log\ndata: installing\n\n")
		fmt.Fprint(w, "event: log\ndata: done\n\n")
		fmt.Fprint(w, "event: complete\ndata: {\"exitCode\":0}\n\n")
	})

	provider := newTestProvider(t, mux)
	sandbox, err := provider.Acquire(context.Background(), "build-1")
	require.NoError(t, err)

	result, err := Run(context.Background(), sandbox, "bun install", ExecOptions{Cwd: "/workspace/project"})
	require.NoError(t, err)
	assert.Equal(t, []string{"installing", "done"}, result.Output)
	assert.Equal(t, 0, result.ExitCode)
}

// TestExecNonZeroExit surfaces the exit code as an error
func TestExecNonZeroExit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /sandboxes/build-1/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: complete\ndata: {\"exitCode\":2}\n\n")
	})

	provider := newTestProvider(t, mux)
	sandbox, err := provider.Acquire(context.Background(), "build-1")
	require.NoError(t, err)

	_, err = Run(context.Background(), sandbox, "false", ExecOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 2")
}

// TestExecErrorEvent surfaces stream errors
func TestExecErrorEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /sandboxes/build-1/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: sandbox out of memory\n\n")
	})

	provider := newTestProvider(t, mux)
	sandbox, err := provider.Acquire(context.Background(), "build-1")
	require.NoError(t, err)

	_, err = Run(context.Background(), sandbox, "big-build", ExecOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox out of memory")
}

// TestReadFileRespectsLimit rejects oversized payloads
func TestReadFileRespectsLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /sandboxes/build-1/files", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	})

	log.Init(log.Config{Level: log.ErrorLevel})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	provider := NewHTTPProvider(Config{BaseURL: server.URL, MaxReadBytes: 1024})

	sandbox, err := provider.Acquire(context.Background(), "build-1")
	require.NoError(t, err)

	_, err = sandbox.ReadFile(context.Background(), "/tmp/big")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-call read limit")
}

func tarWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestExtractTar unpacks regular files with cleaned paths and guessed
// MIME types
func TestExtractTar(t *testing.T) {
	data := tarWith(t, map[string]string{
		"./index.html":   "<html></html>",
		"./js/app.js":    "console.log(1)",
		"img/logo.svg":   "<svg/>",
		"styles/app.css": "body{}",
	})

	files, err := ExtractTar(data)
	require.NoError(t, err)
	require.Len(t, files, 4)

	byPath := make(map[string]string)
	mimes := make(map[string]string)
	for _, f := range files {
		byPath[f.Path] = string(f.Content)
		mimes[f.Path] = f.MimeType
	}

	assert.Equal(t, "<html></html>", byPath["index.html"])
	assert.Equal(t, "console.log(1)", byPath["js/app.js"])
	assert.Equal(t, "text/html", mimes["index.html"])
	assert.Equal(t, "application/javascript", mimes["js/app.js"])
	assert.Equal(t, "image/svg+xml", mimes["img/logo.svg"])
	assert.Equal(t, "text/css", mimes["styles/app.css"])
}

// TestMimeTypeForPath falls back to octet-stream for unknown
// extensions
func TestMimeTypeForPath(t *testing.T) {
	assert.Equal(t, "application/javascript", MimeTypeForPath("a/b.mjs"))
	assert.Equal(t, "application/wasm", MimeTypeForPath("mod.wasm"))
	assert.Equal(t, "application/json", MimeTypeForPath("chunk.js.map"))
	assert.Equal(t, "application/octet-stream", MimeTypeForPath("Makefile"))
	assert.Equal(t, "application/octet-stream", MimeTypeForPath("data.zzz"))
}

// chunkedSandbox serves dd | base64 reads over an in-memory file
type chunkedSandbox struct {
	files map[string][]byte
}

var (
	ddRe   = regexp.MustCompile(`dd if="([^"]+)" bs=(\d+) skip=(\d+)`)
	statRe = regexp.MustCompile(`stat -c %s "([^"]+)"`)
	tarRe  = regexp.MustCompile(`tar -cf "([^"]+)"`)
)

func (s *chunkedSandbox) ID() string { return "chunked" }

func (s *chunkedSandbox) Exec(ctx context.Context, command string, opts ExecOptions) (<-chan ExecEvent, error) {
	ch := make(chan ExecEvent, 2)
	defer close(ch)

	switch {
	case strings.HasPrefix(command, "tar -cf"):
		// The archive already exists under the parsed path
		m := tarRe.FindStringSubmatch(command)
		if s.files[m[1]] == nil {
			s.files[m[1]] = s.files["archive"]
		}
		ch <- ExecEvent{Type: ExecEventComplete}
	case strings.HasPrefix(command, "stat -c"):
		m := statRe.FindStringSubmatch(command)
		ch <- ExecEvent{Type: ExecEventLog, Data: strconv.Itoa(len(s.files[m[1]]))}
		ch <- ExecEvent{Type: ExecEventComplete}
	case strings.Contains(command, "dd if="):
		m := ddRe.FindStringSubmatch(command)
		data := s.files[m[1]]
		bs, _ := strconv.Atoi(m[2])
		skip, _ := strconv.Atoi(m[3])
		start := bs * skip
		end := start + bs
		if start > len(data) {
			start = len(data)
		}
		if end > len(data) {
			end = len(data)
		}
		ch <- ExecEvent{Type: ExecEventLog, Data: base64.StdEncoding.EncodeToString(data[start:end])}
		ch <- ExecEvent{Type: ExecEventComplete}
	default:
		ch <- ExecEvent{Type: ExecEventComplete}
	}
	return ch, nil
}

func (s *chunkedSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.files[path] = data
	return nil
}

func (s *chunkedSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("direct reads disabled")
}

func (s *chunkedSandbox) Destroy(ctx context.Context) error { return nil }

// TestReadChunked reassembles a file larger than the per-call limit
func TestReadChunked(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 300) // 4800 bytes
	sb := &chunkedSandbox{files: map[string][]byte{"/tmp/file.tar": content}}

	data, err := readChunked(context.Background(), sb, "/tmp/file.tar", int64(len(content)), 1024)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}
