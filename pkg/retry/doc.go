/*
Package retry provides a shared jittered exponential backoff utility.

One schedule definition is reused across every retrying call site, all
in the deployment client: provider API calls, asset batch uploads, and
the draft-worker secrets fallback. Alert notifications are posted once,
without retries. Webhook delivery does not use this package: its
retries are spread across alarm wakeups with absolute deadlines rather
than in-call sleeps (see pkg/webhook).
*/
package retry
