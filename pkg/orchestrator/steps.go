package orchestrator

import (
	"github.com/cuemby/foundry/pkg/types"
)

// projectDir is where sources land inside the sandbox
const projectDir = "/workspace/project"

// Well-known output locations read by the artifact phase
const (
	bundledAppDir  = projectDir + "/.bundled-app"
	openNextAssets = projectDir + "/.open-next/assets"
	staticSiteDir  = projectDir + "/.static-site/assets"
)

// BuildStep is one pipeline command for a project type
type BuildStep struct {
	// Log is the human-readable line appended before the command runs
	Log string
	// Command is the shell command executed in the project directory
	Command string
	// InjectEnv passes the decrypted env vars into the command
	InjectEnv bool
}

// buildSteps is the ordered pipeline per project type. Static
// generators all converge on .static-site/assets so the artifact
// phase stays uniform.
var buildSteps = map[types.ProjectType][]BuildStep{
	types.ProjectTypeNextJS: {
		{Log: "Installing dependencies", Command: "bun install --frozen-lockfile || bun install", InjectEnv: true},
		{Log: "Building Next.js application", Command: "bunx opennextjs-cloudflare build", InjectEnv: true},
		{Log: "Packaging worker bundle", Command: "bunx @kilocode/app-builder-tools bundle --out .bundled-app", InjectEnv: false},
	},
	types.ProjectTypeHugo: {
		{Log: "Building Hugo site", Command: "hugo --minify --destination .static-site/assets", InjectEnv: true},
	},
	types.ProjectTypeJekyll: {
		{Log: "Installing dependencies", Command: "bundle install", InjectEnv: false},
		{Log: "Building Jekyll site", Command: "bundle exec jekyll build --destination .static-site/assets", InjectEnv: true},
	},
	types.ProjectTypeEleventy: {
		{Log: "Installing dependencies", Command: "bun install", InjectEnv: false},
		{Log: "Building Eleventy site", Command: "bunx @11ty/eleventy --output=.static-site/assets", InjectEnv: true},
	},
	types.ProjectTypeAstro: {
		{Log: "Installing dependencies", Command: "bun install", InjectEnv: false},
		{Log: "Building Astro site", Command: "bun run build", InjectEnv: true},
		{Log: "Packaging static output", Command: "mkdir -p .static-site && cp -R dist .static-site/assets", InjectEnv: false},
	},
	types.ProjectTypePlainHTML: {
		{Log: "Packaging static site", Command: "mkdir -p .static-site/assets && tar -cf - --exclude=.git --exclude=.static-site . | tar -xf - -C .static-site/assets", InjectEnv: false},
	},
}

// StepsFor returns the pipeline for a detected project type
func StepsFor(pt types.ProjectType) []BuildStep {
	return buildSteps[pt]
}
