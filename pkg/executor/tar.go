package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/cuemby/foundry/pkg/types"
	"github.com/google/uuid"
)

// ReadDirAsTar transfers a whole sandbox directory as one tar archive.
// Per-file streaming has a response size limit, so the directory is
// packed in the sandbox first; small archives come back in one read,
// larger ones through a chunked base64 dd loop sized to the limit.
func ReadDirAsTar(ctx context.Context, sb Sandbox, dir string, excludes []string) ([]byte, error) {
	tarPath := fmt.Sprintf("/tmp/foundry-%s.tar", uuid.New().String())

	var cmd strings.Builder
	cmd.WriteString(fmt.Sprintf("tar -cf %q -C %q", tarPath, dir))
	for _, ex := range excludes {
		cmd.WriteString(fmt.Sprintf(" --exclude=%q", ex))
	}
	cmd.WriteString(" .")

	if _, err := Run(ctx, sb, cmd.String(), ExecOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create archive of %s: %w", dir, err)
	}
	defer func() {
		// Best-effort cleanup of the staging archive
		_, _ = Run(ctx, sb, fmt.Sprintf("rm -f %q", tarPath), ExecOptions{})
	}()

	size, err := FileSize(ctx, sb, tarPath)
	if err != nil {
		return nil, err
	}

	var maxRead int64 = DefaultMaxReadBytes
	if p, ok := sb.(*httpSandbox); ok {
		maxRead = int64(p.provider.cfg.MaxReadBytes)
	}

	if size <= maxRead {
		data, err := sb.ReadFile(ctx, tarPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		return data, nil
	}

	return readChunked(ctx, sb, tarPath, size, maxRead)
}

// readChunked pulls the file back one base64 chunk per call. Chunk
// size is 3/4 of the per-call limit so the encoded form fits.
func readChunked(ctx context.Context, sb Sandbox, filePath string, size, maxRead int64) ([]byte, error) {
	chunkSize := maxRead / 4 * 3
	// dd block sizes must be positive
	if chunkSize < 512 {
		chunkSize = 512
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for offset := int64(0); offset < size; offset += chunkSize {
		cmd := fmt.Sprintf("dd if=%q bs=%d skip=%d count=1 2>/dev/null | base64 -w 0", filePath, chunkSize, offset/chunkSize)
		result, err := Run(ctx, sb, cmd, ExecOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk at %d: %w", offset, err)
		}

		encoded := strings.Join(result.Output, "")
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk at %d: %w", offset, err)
		}
		buf.Write(chunk)
	}

	return buf.Bytes(), nil
}

// ExtractTar unpacks an archive into deployment files. Paths are
// cleaned relative paths; MIME types are guessed from the extension.
func ExtractTar(data []byte) ([]types.DeploymentFile, error) {
	var files []types.DeploymentFile

	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", hdr.Name, err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}

		files = append(files, types.DeploymentFile{
			Path:     name,
			Content:  content,
			MimeType: MimeTypeForPath(name),
		})
	}

	return files, nil
}

// wellKnownMimeTypes covers the web asset types the stdlib table gets
// wrong or annotates with charset parameters
var wellKnownMimeTypes = map[string]string{
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".css":   "text/css",
	".html":  "text/html",
	".htm":   "text/html",
	".json":  "application/json",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".txt":   "text/plain",
	".xml":   "application/xml",
	".wasm":  "application/wasm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".map":   "application/json",
}

// MimeTypeForPath guesses a content type from the file extension
func MimeTypeForPath(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if mt, ok := wellKnownMimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		return mt
	}
	return "application/octet-stream"
}
