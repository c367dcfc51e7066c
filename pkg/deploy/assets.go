package deploy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/retry"
	"github.com/cuemby/foundry/pkg/types"
)

// manifestEntry describes one asset to the upload session endpoint
type manifestEntry struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

// uploadSession is the provider's response to a manifest
type uploadSession struct {
	JWT     string     `json:"jwt"`
	Buckets [][]string `json:"buckets"`
}

// assetContent pairs raw bytes with their content type, keyed by hash
type assetContent struct {
	data []byte
	mime string
}

// assetHash is the content address: the first 32 hex characters of
// the SHA-256 of the asset bytes
func assetHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}

// buildManifest normalizes paths and content-addresses every asset
func buildManifest(assets []types.DeploymentFile) (map[string]manifestEntry, map[string]assetContent) {
	manifest := make(map[string]manifestEntry, len(assets))
	contents := make(map[string]assetContent, len(assets))

	for _, asset := range assets {
		path := asset.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		hash := assetHash(asset.Content)
		manifest[path] = manifestEntry{Hash: hash, Size: len(asset.Content)}
		contents[hash] = assetContent{data: asset.Content, mime: asset.MimeType}
	}
	return manifest, contents
}

// uploadAssets drives the content-addressed upload protocol and
// returns the completion token the worker deploy references.
//
// The session response lists buckets of hashes the provider does not
// already have. No buckets means every asset deduplicated and the
// session token doubles as the completion token. Otherwise each bucket
// is posted as one multipart batch; the final batch answers 201 with
// the completion token.
func (c *Client) uploadAssets(ctx context.Context, namespace, scriptName string, assets []types.DeploymentFile) (string, error) {
	manifest, contents := buildManifest(assets)

	body, _ := json.Marshal(map[string]interface{}{"manifest": manifest})
	var session uploadSession
	err := c.requestWithRetry(ctx, "create upload session", http.MethodPost,
		c.scriptURL(namespace, scriptName, "/assets-upload-session"), "application/json", body, &session)
	if err != nil {
		return "", fmt.Errorf("failed to create asset upload session: %w", err)
	}

	if len(session.Buckets) == 0 {
		metrics.AssetsDeduplicated.Add(float64(len(assets)))
		return session.JWT, nil
	}

	var completionToken string
	for _, bucket := range session.Buckets {
		token, err := c.uploadBucket(ctx, session.JWT, bucket, contents)
		if err != nil {
			return "", err
		}
		if token != "" {
			completionToken = token
		}
	}

	if completionToken == "" {
		return "", fmt.Errorf("asset upload finished without a completion token")
	}
	return completionToken, nil
}

// uploadBucket posts one batch of assets. A 201 response carries the
// completion token; a 200 means more batches remain.
func (c *Client) uploadBucket(ctx context.Context, sessionJWT string, bucket []string, contents map[string]assetContent) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, hash := range bucket {
		content, ok := contents[hash]
		if !ok {
			return "", fmt.Errorf("provider requested unknown asset hash %s", hash)
		}

		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, hash, hash))
		hdr.Set("Content-Type", content.mime)
		part, err := w.CreatePart(hdr)
		if err != nil {
			return "", fmt.Errorf("failed to build upload form: %w", err)
		}
		if _, err := part.Write([]byte(base64.StdEncoding.EncodeToString(content.data))); err != nil {
			return "", fmt.Errorf("failed to build upload form: %w", err)
		}
		metrics.AssetUploadBytes.Add(float64(len(content.data)))
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	var completionToken string
	err := retry.Do(ctx, "upload asset batch", retry.DefaultProviderConfig, isRetryable, func() error {
		token, err := c.postAssetBatch(ctx, sessionJWT, buf.Bytes(), w.FormDataContentType())
		if err != nil {
			return err
		}
		completionToken = token
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload asset batch: %w", err)
	}
	return completionToken, nil
}

// postAssetBatch returns the completion token on 201, "" on 200
func (c *Client) postAssetBatch(ctx context.Context, sessionJWT string, form []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.assetsUploadURL(), bytes.NewReader(form))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sessionJWT)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &ProviderError{StatusCode: resp.StatusCode, Message: string(data)}
		var env envelope
		if json.Unmarshal(data, &env) == nil && len(env.Errors) > 0 {
			pe.Code = env.Errors[0].Code
			pe.Message = env.Errors[0].Message
		}
		return "", pe
	}

	if resp.StatusCode != http.StatusCreated {
		return "", nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	var result struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return "", fmt.Errorf("failed to decode completion token: %w", err)
	}
	return result.JWT, nil
}

// buildWorkerForm assembles the multipart deploy body: metadata JSON,
// the worker module as index.js, and artifacts attached by path
func buildWorkerForm(meta workerMetadata, workerScript []byte, artifacts []types.DeploymentFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode worker metadata: %w", err)
	}
	metaHdr := make(textproto.MIMEHeader)
	metaHdr.Set("Content-Disposition", `form-data; name="metadata"`)
	metaHdr.Set("Content-Type", "application/json")
	metaPart, err := w.CreatePart(metaHdr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
	}

	scriptHdr := make(textproto.MIMEHeader)
	scriptHdr.Set("Content-Disposition", `form-data; name="index.js"; filename="index.js"`)
	scriptHdr.Set("Content-Type", "application/javascript+module")
	scriptPart, err := w.CreatePart(scriptHdr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
	}
	if _, err := scriptPart.Write(workerScript); err != nil {
		return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
	}

	for _, artifact := range artifacts {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, artifact.Path, artifact.Path))
		hdr.Set("Content-Type", artifact.MimeType)
		part, err := w.CreatePart(hdr)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
		}
		if _, err := part.Write(artifact.Content); err != nil {
			return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to build deploy form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
