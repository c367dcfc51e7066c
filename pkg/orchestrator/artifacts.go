package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/foundry/pkg/executor"
	"github.com/cuemby/foundry/pkg/types"
)

// readArtifacts pulls the build outputs out of the sandbox.
//
// Next.js builds produce a worker bundle: .bundled-app holds the
// worker module (worker.js) plus its supporting chunks, and the
// static assets live under .open-next/assets. Every static generator
// converges on .static-site/assets and deploys the built-in static
// server as its worker.
func (o *Orchestrator) readArtifacts(ctx context.Context, sandbox executor.Sandbox, projectType types.ProjectType) (*types.ArtifactBundle, error) {
	o.appendLog("Reading build artifacts")

	if projectType == types.ProjectTypeNextJS {
		return o.readNextJSArtifacts(ctx, sandbox)
	}
	return o.readStaticArtifacts(ctx, sandbox)
}

func (o *Orchestrator) readNextJSArtifacts(ctx context.Context, sandbox executor.Sandbox) (*types.ArtifactBundle, error) {
	bundleTar, err := executor.ReadDirAsTar(ctx, sandbox, bundledAppDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker bundle: %w", err)
	}
	bundleFiles, err := executor.ExtractTar(bundleTar)
	if err != nil {
		return nil, fmt.Errorf("failed to extract worker bundle: %w", err)
	}

	bundle := &types.ArtifactBundle{}
	for _, file := range bundleFiles {
		if file.Path == "worker.js" {
			worker := file
			worker.Path = "index.js"
			bundle.WorkerScript = worker
			continue
		}
		bundle.Artifacts = append(bundle.Artifacts, file)
	}
	if bundle.WorkerScript.Content == nil {
		return nil, fmt.Errorf("worker bundle is missing worker.js")
	}

	assetsTar, err := executor.ReadDirAsTar(ctx, sandbox, openNextAssets, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read static assets: %w", err)
	}
	assets, err := executor.ExtractTar(assetsTar)
	if err != nil {
		return nil, fmt.Errorf("failed to extract static assets: %w", err)
	}
	bundle.Assets = assets

	return bundle, nil
}

func (o *Orchestrator) readStaticArtifacts(ctx context.Context, sandbox executor.Sandbox) (*types.ArtifactBundle, error) {
	assetsTar, err := executor.ReadDirAsTar(ctx, sandbox, staticSiteDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read static assets: %w", err)
	}
	assets, err := executor.ExtractTar(assetsTar)
	if err != nil {
		return nil, fmt.Errorf("failed to extract static assets: %w", err)
	}

	return &types.ArtifactBundle{
		WorkerScript: staticWorkerFile(),
		Assets:       assets,
	}, nil
}
