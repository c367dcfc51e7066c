package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/rs/zerolog"
)

// Config holds executor service connection settings
type Config struct {
	BaseURL string
	Token   string
	// MaxReadBytes is the per-call response size limit of the file
	// read endpoint; larger files fall back to chunked reads
	MaxReadBytes int
}

// DefaultMaxReadBytes matches the executor's per-call streaming limit
const DefaultMaxReadBytes = 1 << 20

// HTTPProvider acquires sandboxes from the executor service over HTTP
type HTTPProvider struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPProvider creates a provider for the executor service
func NewHTTPProvider(cfg Config) *HTTPProvider {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	return &HTTPProvider{
		cfg: cfg,
		// Exec streams have no overall deadline; commands are bounded
		// by the sandbox itself
		client: &http.Client{},
		logger: log.WithComponent("executor"),
	}
}

// Acquire creates or reattaches the sandbox for a build
func (p *HTTPProvider) Acquire(ctx context.Context, buildID string) (Sandbox, error) {
	body, _ := json.Marshal(map[string]string{"id": buildID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build sandbox request: %w", err)
	}
	p.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("executor returned status %d acquiring sandbox", resp.StatusCode)
	}

	return &httpSandbox{provider: p, id: buildID}, nil
}

func (p *HTTPProvider) auth(req *http.Request) {
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
}

// httpSandbox is one remote sandbox addressed by build id
type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

func (s *httpSandbox) base() string {
	return s.provider.cfg.BaseURL + "/sandboxes/" + url.PathEscape(s.id)
}

// Exec starts a command and streams its server-sent events
func (s *httpSandbox) Exec(ctx context.Context, command string, opts ExecOptions) (<-chan ExecEvent, error) {
	payload := map[string]interface{}{"command": command}
	if opts.Cwd != "" {
		payload["cwd"] = opts.Cwd
	}
	if len(opts.Env) > 0 {
		payload["env"] = opts.Env
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base()+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build exec request: %w", err)
	}
	s.provider.auth(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("executor returned status %d starting command", resp.StatusCode)
	}

	events := make(chan ExecEvent)
	go s.stream(resp.Body, events)
	return events, nil
}

// stream parses the text/event-stream body into ExecEvents
func (s *httpSandbox) stream(body io.ReadCloser, events chan<- ExecEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var evType, data string
	flush := func() {
		if evType == "" && data == "" {
			return
		}
		ev := ExecEvent{Type: ExecEventLog, Data: data}
		switch evType {
		case "error":
			ev.Type = ExecEventError
		case "complete":
			ev.Type = ExecEventComplete
			var c struct {
				ExitCode int `json:"exitCode"`
			}
			if err := json.Unmarshal([]byte(data), &c); err == nil {
				ev.ExitCode = c.ExitCode
			}
		}
		events <- ev
		evType, data = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			evType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		events <- ExecEvent{Type: ExecEventError, Data: fmt.Sprintf("stream read failed: %v", err)}
	}
}

// WriteFile uploads raw bytes to a path inside the sandbox
func (s *httpSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.base()+"/files?path="+url.QueryEscape(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build write request: %w", err)
	}
	s.provider.auth(req)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("executor returned status %d writing %s", resp.StatusCode, path)
	}
	return nil
}

// ReadFile downloads a file subject to the per-call size limit
func (s *httpSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base()+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build read request: %w", err)
	}
	s.provider.auth(req)

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("executor returned status %d reading %s", resp.StatusCode, path)
	}

	limit := int64(s.provider.cfg.MaxReadBytes)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file %s exceeds per-call read limit of %d bytes", path, limit)
	}
	return data, nil
}

// Destroy tears the sandbox down. Idempotent: destroying a missing
// sandbox succeeds.
func (s *httpSandbox) Destroy(ctx context.Context) error {
	// Destruction is best-effort on cancel paths; keep it bounded
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.base(), nil)
	if err != nil {
		return fmt.Errorf("failed to build destroy request: %w", err)
	}
	s.provider.auth(req)

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to destroy sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return fmt.Errorf("executor returned status %d destroying sandbox", resp.StatusCode)
	}
	return nil
}

// FileSize stats a file inside the sandbox
func FileSize(ctx context.Context, sb Sandbox, path string) (int64, error) {
	result, err := Run(ctx, sb, fmt.Sprintf("stat -c %%s %q", path), ExecOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if len(result.Output) == 0 {
		return 0, fmt.Errorf("stat %s returned no output", path)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(result.Output[len(result.Output)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of %s: %w", path, err)
	}
	return size, nil
}
