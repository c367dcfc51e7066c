package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/retry"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// workerNameRe validates provider script names
var workerNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// compatibilityDate pins worker runtime behavior across deploys
const compatibilityDate = "2024-09-23"

// compatibilityFlags enabled on every deployed worker
var compatibilityFlags = []string{"nodejs_compat"}

// secretBatchSize is how many secret PUTs run in parallel
const secretBatchSize = 5

// Migration is one durable-object migration step in worker metadata
type Migration struct {
	Tag        string   `json:"tag,omitempty"`
	NewClasses []string `json:"new_classes,omitempty"`
}

// Input is everything one deployment needs
type Input struct {
	Bundle            types.ArtifactBundle
	WorkerName        string
	DispatchNamespace string
	EnvVars           []types.EnvVar
	Migrations        []Migration
	// Log receives human-readable progress lines for the build's
	// event stream; nil discards them
	Log func(string)
}

// Client deploys workers, assets and secrets to the CDN provider
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a deployment client
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: newHTTPClient(),
		logger: log.WithComponent("deploy"),
	}
}

// binding is one entry of worker metadata bindings
type binding struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// workerMetadata is the provider's deploy metadata document
type workerMetadata struct {
	MainModule         string      `json:"main_module"`
	CompatibilityDate  string      `json:"compatibility_date"`
	CompatibilityFlags []string    `json:"compatibility_flags"`
	Bindings           []binding   `json:"bindings"`
	Assets             *assetsRef  `json:"assets,omitempty"`
	Migrations         []Migration `json:"migrations,omitempty"`
}

type assetsRef struct {
	JWT    string   `json:"jwt"`
	Config struct{} `json:"config"`
}

// Deploy pushes one build's bundle: secrets first, then assets, then
// the worker script with its artifacts
func (c *Client) Deploy(ctx context.Context, in Input) error {
	if !workerNameRe.MatchString(in.WorkerName) {
		return fmt.Errorf("invalid worker name %q", in.WorkerName)
	}
	namespace := in.DispatchNamespace
	if namespace == "" {
		namespace = c.cfg.DispatchNamespace
	}

	logf := in.Log
	if logf == nil {
		logf = func(string) {}
	}

	secrets, plain := partitionEnvVars(in.EnvVars)
	if len(secrets) > 0 {
		logf(fmt.Sprintf("Uploading %d secrets", len(secrets)))
		if err := c.putSecrets(ctx, namespace, in.WorkerName, secrets); err != nil {
			metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
			return err
		}
	}

	var completionToken string
	if len(in.Bundle.Assets) > 0 {
		logf(fmt.Sprintf("Uploading %d static assets", len(in.Bundle.Assets)))
		token, err := c.uploadAssets(ctx, namespace, in.WorkerName, in.Bundle.Assets)
		if err != nil {
			metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
			return err
		}
		completionToken = token
	}

	logf("Deploying worker script")
	if err := c.putWorker(ctx, namespace, in, plain, completionToken); err != nil {
		metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
		return err
	}

	metrics.DeploymentsTotal.WithLabelValues("success").Inc()
	return nil
}

// partitionEnvVars splits env vars into provider secrets and
// plain-text metadata bindings
func partitionEnvVars(vars []types.EnvVar) (secrets, plain []types.EnvVar) {
	for _, v := range vars {
		if v.IsSecret {
			secrets = append(secrets, v)
		} else {
			plain = append(plain, v)
		}
	}
	return secrets, plain
}

// putSecrets uploads secrets in parallel batches. A worker-not-found
// response means the script has never been deployed; a minimal draft
// worker is deployed first and the secrets retried.
func (c *Client) putSecrets(ctx context.Context, namespace, scriptName string, secrets []types.EnvVar) error {
	err := c.putSecretBatches(ctx, namespace, scriptName, secrets)
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != errCodeWorkerNotFound {
		return err
	}

	c.logger.Info().Str("script", scriptName).Msg("Worker not found for secrets, deploying draft worker")
	if err := c.putDraftWorker(ctx, namespace, scriptName); err != nil {
		return fmt.Errorf("failed to deploy draft worker: %w", err)
	}
	return c.putSecretBatches(ctx, namespace, scriptName, secrets)
}

func (c *Client) putSecretBatches(ctx context.Context, namespace, scriptName string, secrets []types.EnvVar) error {
	url := c.scriptURL(namespace, scriptName, "/secrets")

	for start := 0; start < len(secrets); start += secretBatchSize {
		end := start + secretBatchSize
		if end > len(secrets) {
			end = len(secrets)
		}
		batch := secrets[start:end]

		var wg sync.WaitGroup
		errCh := make(chan error, len(batch))
		for _, secret := range batch {
			wg.Add(1)
			go func(secret types.EnvVar) {
				defer wg.Done()
				body, _ := json.Marshal(map[string]string{
					"name": secret.Key,
					"text": secret.Value,
					"type": "secret_text",
				})
				err := retry.Do(ctx, "put secret", retry.DefaultProviderConfig, isRetryable, func() error {
					return c.request(ctx, http.MethodPut, url, "application/json", body, nil)
				})
				if err != nil {
					errCh <- fmt.Errorf("failed to upload secret %s: %w", secret.Key, err)
				}
			}(secret)
		}
		wg.Wait()
		close(errCh)

		// Surface a worker-not-found error preferentially so the
		// draft fallback can engage
		var firstErr error
		for err := range errCh {
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Code == errCodeWorkerNotFound {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

// draftWorkerScript is the minimal module deployed so secrets have a
// script to attach to before the first real deploy
const draftWorkerScript = "export default { fetch() {} }\n"

// putDraftWorker deploys a no-op placeholder script
func (c *Client) putDraftWorker(ctx context.Context, namespace, scriptName string) error {
	meta := workerMetadata{
		MainModule:         "index.js",
		CompatibilityDate:  compatibilityDate,
		CompatibilityFlags: compatibilityFlags,
		Bindings:           []binding{},
	}
	form, contentType, err := buildWorkerForm(meta, []byte(draftWorkerScript), nil)
	if err != nil {
		return err
	}
	return c.requestWithRetry(ctx, "put draft worker", http.MethodPut,
		c.scriptURL(namespace, scriptName, ""), contentType, form, nil)
}

// putWorker deploys the real worker with metadata, bindings, assets
// reference and artifact files. A durable-object class collision
// (error 10074) filters the offending class out of the migrations and
// retries once.
func (c *Client) putWorker(ctx context.Context, namespace string, in Input, plain []types.EnvVar, completionToken string) error {
	meta := workerMetadata{
		MainModule:         "index.js",
		CompatibilityDate:  compatibilityDate,
		CompatibilityFlags: compatibilityFlags,
		Bindings:           []binding{},
		Migrations:         in.Migrations,
	}
	if completionToken != "" {
		meta.Bindings = append(meta.Bindings, binding{Name: "ASSETS", Type: "assets"})
		meta.Assets = &assetsRef{JWT: completionToken}
	}
	for _, v := range plain {
		meta.Bindings = append(meta.Bindings, binding{Name: v.Key, Type: "plain_text", Text: v.Value})
	}

	err := c.putWorkerForm(ctx, namespace, in, meta)
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != errCodeClassExists {
		return err
	}

	class, ok := classFromError(pe.Message)
	if !ok {
		return err
	}

	c.logger.Info().Str("class", class).Msg("Durable object class already exists, filtering migrations")
	meta.Migrations = filterMigrations(meta.Migrations, class)
	return c.putWorkerForm(ctx, namespace, in, meta)
}

func (c *Client) putWorkerForm(ctx context.Context, namespace string, in Input, meta workerMetadata) error {
	form, contentType, err := buildWorkerForm(meta, in.Bundle.WorkerScript.Content, in.Bundle.Artifacts)
	if err != nil {
		return err
	}
	return c.requestWithRetry(ctx, "put worker", http.MethodPut,
		c.scriptURL(namespace, in.WorkerName, ""), contentType, form, nil)
}

// classErrorRe extracts the colliding class name from a 10074 message
var classErrorRe = regexp.MustCompile(`class "([^"]+)"`)

func classFromError(message string) (string, bool) {
	m := classErrorRe.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// filterMigrations strips one class from every migration's new_classes
// and drops migrations left empty
func filterMigrations(migrations []Migration, class string) []Migration {
	var out []Migration
	for _, m := range migrations {
		var classes []string
		for _, cl := range m.NewClasses {
			if cl != class {
				classes = append(classes, cl)
			}
		}
		if len(classes) == 0 {
			continue
		}
		m.NewClasses = classes
		out = append(out, m)
	}
	return out
}

// DeleteWorker removes a script. Missing scripts count as deleted.
func (c *Client) DeleteWorker(ctx context.Context, namespace, scriptName string) error {
	if namespace == "" {
		namespace = c.cfg.DispatchNamespace
	}

	err := c.requestWithRetry(ctx, "delete worker", http.MethodDelete,
		c.scriptURL(namespace, scriptName, ""), "", nil, nil)
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Code == errCodeWorkerNotFound || strings.Contains(strings.ToLower(pe.Message), "not found") {
			return nil
		}
	}
	return err
}
