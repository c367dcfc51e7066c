/*
Package analytics is the client for the analytics store.

Telemetry data points are positional: blobs and doubles land in fixed
columns that dashboards and the alert evaluator's queries depend on,
so the bindings in WriteAPIMetric and WriteSessionMetrics are a wire
contract, not an implementation detail.

The query side exposes exactly the two aggregate shapes the evaluator
needs: sampling-corrected error weights per (provider, model, client)
dimension, and the slow fraction of successful requests against a
TTFB threshold. Queries sum _sample_interval so sampled datasets
report corrected weights.
*/
package analytics
