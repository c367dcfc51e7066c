package orchestrator

import (
	"github.com/cuemby/foundry/pkg/types"
)

// staticWorkerScript is the built-in worker deployed for every static
// project type. It serves the asset binding with the conventional
// fallbacks: extensionless paths try /index.html appended, and HTML
// navigations fall back to the site root before surfacing the 404.
const staticWorkerScript = `export default {
  async fetch(request, env) {
    const response = await env.ASSETS.fetch(request);
    if (response.status !== 404) {
      return response;
    }

    const url = new URL(request.url);
    const path = url.pathname;

    if (!path.endsWith("/") && !path.includes(".")) {
      const indexUrl = new URL(path + "/index.html", url);
      const indexResponse = await env.ASSETS.fetch(new Request(indexUrl, request));
      if (indexResponse.status !== 404) {
        return indexResponse;
      }
    }

    const accept = request.headers.get("Accept") || "";
    if (accept.includes("text/html")) {
      const rootUrl = new URL("/index.html", url);
      const rootResponse = await env.ASSETS.fetch(new Request(rootUrl, request));
      if (rootResponse.status !== 404) {
        return rootResponse;
      }
    }

    return response;
  },
};
`

// staticWorkerFile returns the built-in static server as the worker
// script of a bundle
func staticWorkerFile() types.DeploymentFile {
	return types.DeploymentFile{
		Path:     "index.js",
		Content:  []byte(staticWorkerScript),
		MimeType: "application/javascript",
	}
}
