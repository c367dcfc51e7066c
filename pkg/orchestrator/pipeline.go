package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/foundry/pkg/deploy"
	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/types"
)

// detectCommand runs the executor-provided framework detection script;
// its last stdout line is the project type tag
const detectCommand = "detect-project-type"

// migrationPackage and migrationScript gate the optional database
// migration step
const (
	migrationPackage = "@kilocode/app-builder-db"
	migrationScript  = "db:migrate"
)

// pipeline is the main build sequence. Secrets arrive as locals only;
// the persisted build record was stripped before entry.
func (o *Orchestrator) pipeline(ctx context.Context, source types.BuildSource, accessToken string, sealedVars []types.SealedEnvVar) error {
	// Environment ready
	sandbox, err := o.sandboxes.Acquire(ctx, o.buildID)
	if err != nil {
		return fmt.Errorf("failed to acquire build environment: %w", err)
	}
	o.mu.Lock()
	o.sandbox = sandbox
	o.mu.Unlock()
	o.appendLog("Build environment ready")

	// Source acquisition
	switch source.Type {
	case types.SourceTypeArchive:
		if err := o.acquireArchive(ctx, sandbox); err != nil {
			return err
		}
	case types.SourceTypeGit:
		if err := o.acquireGit(ctx, sandbox, source.Git, accessToken); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported source type %q", source.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Project type detection
	projectType, err := o.detectProjectType(ctx, sandbox)
	if err != nil {
		return err
	}
	o.appendLog(fmt.Sprintf("Detected project type: %s", projectType))

	// Env var decryption
	envVars, err := o.secrets.UnsealEnvVars(sealedVars)
	if err != nil {
		return fmt.Errorf("failed to decrypt environment variables: %w", err)
	}

	// Build pipeline
	for _, step := range StepsFor(projectType) {
		opts := executor.ExecOptions{Cwd: projectDir}
		if step.InjectEnv {
			opts.Env = envMap(envVars)
		}
		if err := o.runScript(ctx, sandbox, step.Log, step.Command, opts); err != nil {
			metrics.BuildStepsTotal.WithLabelValues("failure").Inc()
			return err
		}
		metrics.BuildStepsTotal.WithLabelValues("success").Inc()
	}

	// Migrations
	if err := o.maybeMigrate(ctx, sandbox, envVars); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Artifact read
	o.mu.Lock()
	o.transitionLocked(types.BuildStatusDeploying)
	o.mu.Unlock()

	bundle, err := o.readArtifacts(ctx, sandbox, projectType)
	if err != nil {
		return err
	}

	// Deploy
	o.mu.Lock()
	slug := o.build.Slug
	o.mu.Unlock()

	err = o.deployer.Deploy(ctx, deploy.Input{
		Bundle:     *bundle,
		WorkerName: slug,
		EnvVars:    envVars,
		Log:        o.appendLog,
	})
	if err != nil {
		return fmt.Errorf("failed to deploy: %w", err)
	}

	o.appendLog("Deployment complete")
	return nil
}

// acquireArchive unpacks the stashed upload into the workspace. The
// buffer is deleted as soon as it is read.
func (o *Orchestrator) acquireArchive(ctx context.Context, sandbox executor.Sandbox) error {
	archive, err := o.store.GetArchive(o.buildID)
	if err != nil {
		return &ArchiveExtractionError{Cause: "archive buffer missing"}
	}
	if err := o.store.DeleteArchive(o.buildID); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to delete archive buffer after read")
	}

	const archivePath = "/tmp/source.tar.gz"
	if err := sandbox.WriteFile(ctx, archivePath, archive); err != nil {
		return &ArchiveExtractionError{Cause: err.Error()}
	}

	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s && rm -f %s", projectDir, archivePath, projectDir, archivePath)
	if err := o.runScript(ctx, sandbox, "Extracting project archive", cmd, executor.ExecOptions{}); err != nil {
		return &ArchiveExtractionError{Cause: err.Error()}
	}
	return nil
}

// acquireGit clones the repository, fetching LFS objects when the
// checkout uses them, and logs the HEAD commit
func (o *Orchestrator) acquireGit(ctx context.Context, sandbox executor.Sandbox, git *types.GitSource, accessToken string) error {
	if git == nil {
		return fmt.Errorf("git source missing repository")
	}

	url := cloneURL(git.Provider, git.RepoSource, accessToken)
	branch := ""
	if git.Branch != "" {
		branch = fmt.Sprintf(" --branch %q", git.Branch)
	}
	cmd := fmt.Sprintf("git clone --depth 1%s %q %s", branch, url, projectDir)

	if err := o.runScript(ctx, sandbox, "Cloning repository", cmd, executor.ExecOptions{}); err != nil {
		// The raw error may embed the token; log a generic line and
		// sanitize what travels further
		o.appendLog(fmt.Sprintf("Failed to clone repository %s", git.RepoSource))
		return &GitCloneError{
			RepoSource: git.RepoSource,
			Cause:      security.RedactToken(err.Error(), accessToken),
		}
	}

	// Git LFS only when the checkout asks for it
	checkLFS := fmt.Sprintf(`grep -q "filter=lfs" %s/.gitattributes`, projectDir)
	if _, err := executor.Run(ctx, sandbox, checkLFS, executor.ExecOptions{}); err == nil {
		cmd := "git lfs install && git lfs pull"
		if err := o.runScript(ctx, sandbox, "Fetching Git LFS objects", cmd, executor.ExecOptions{Cwd: projectDir}); err != nil {
			return &GitLFSError{Cause: security.RedactToken(err.Error(), accessToken)}
		}
	}

	head, err := executor.Run(ctx, sandbox, "git rev-parse HEAD", executor.ExecOptions{Cwd: projectDir})
	if err == nil && len(head.Output) > 0 {
		o.appendLog("Checked out commit " + head.Output[len(head.Output)-1])
	}
	return nil
}

// providerHosts maps source providers to their clone hosts
var providerHosts = map[string]string{
	"github":    "github.com",
	"gitlab":    "gitlab.com",
	"bitbucket": "bitbucket.org",
}

// cloneURL builds the HTTPS clone URL, inserting access-token
// credentials when one is present
func cloneURL(provider, repoSource, accessToken string) string {
	url := repoSource
	if !strings.Contains(url, "://") {
		host, ok := providerHosts[provider]
		if !ok {
			host = providerHosts["github"]
		}
		url = "https://" + host + "/" + strings.TrimPrefix(repoSource, "/")
	}
	if !strings.HasSuffix(url, ".git") {
		url += ".git"
	}
	if accessToken != "" {
		url = strings.Replace(url, "://", "://x-access-token:"+accessToken+"@", 1)
	}
	return url
}

// detectProjectType runs the detection script and validates its tag
// against the supported set
func (o *Orchestrator) detectProjectType(ctx context.Context, sandbox executor.Sandbox) (types.ProjectType, error) {
	result, err := executor.Run(ctx, sandbox, detectCommand, executor.ExecOptions{Cwd: projectDir})
	if err != nil {
		return "", fmt.Errorf("project detection failed: %w", err)
	}

	tag := "unknown"
	if len(result.Output) > 0 {
		tag = strings.TrimSpace(result.Output[len(result.Output)-1])
	}
	if tag == "unknown" || tag == "" {
		return "", &ProjectDetectionError{}
	}

	projectType := types.ProjectType(tag)
	if !types.SupportedProjectTypes[projectType] {
		return "", &ProjectDetectionError{Tag: tag}
	}

	o.mu.Lock()
	o.build.ProjectType = projectType
	if err := o.store.SaveBuild(o.build); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist project type")
	}
	o.mu.Unlock()

	return projectType, nil
}

// maybeMigrate runs database migrations when the project carries the
// app-builder database package and a migrate script
func (o *Orchestrator) maybeMigrate(ctx context.Context, sandbox executor.Sandbox, envVars []types.EnvVar) error {
	data, err := sandbox.ReadFile(ctx, projectDir+"/package.json")
	if err != nil {
		// No package.json, nothing to migrate
		return nil
	}

	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}

	_, hasDep := pkg.Dependencies[migrationPackage]
	if !hasDep {
		_, hasDep = pkg.DevDependencies[migrationPackage]
	}
	_, hasScript := pkg.Scripts[migrationScript]
	if !hasDep || !hasScript {
		return nil
	}

	return o.runScript(ctx, sandbox, "Running database migrations", "bun run "+migrationScript,
		executor.ExecOptions{Cwd: projectDir, Env: envMap(envVars)})
}

// runScript streams one command's events into the build log. Control
// sequences are stripped, lines trimmed, and empty lines dropped; all
// appended lines pass the redactor.
func (o *Orchestrator) runScript(ctx context.Context, sandbox executor.Sandbox, logMessage, command string, opts executor.ExecOptions) error {
	if logMessage != "" {
		o.appendLog(logMessage)
	}

	stream, err := sandbox.Exec(ctx, command, opts)
	if err != nil {
		return &BuildStepError{Command: command, Cause: err.Error()}
	}

	for ev := range stream {
		switch ev.Type {
		case executor.ExecEventLog:
			line := strings.TrimSpace(stripControl(ev.Data))
			if line != "" {
				o.appendLog(line)
			}
		case executor.ExecEventError:
			return &BuildStepError{Command: command, Cause: ev.Data}
		case executor.ExecEventComplete:
			if ev.ExitCode != 0 {
				return &BuildStepError{Command: command, ExitCode: ev.ExitCode}
			}
		}
	}

	return ctx.Err()
}

// ansiRe matches ANSI escape sequences emitted by build tools
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// stripControl removes VT control sequences and stray control bytes
func stripControl(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// envMap converts env vars into the executor's map form
func envMap(vars []types.EnvVar) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m
}
