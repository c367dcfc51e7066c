/*
Package security provides secret handling primitives for Foundry.

The SecretsManager encrypts env var values with AES-256-GCM (nonce
prepended, base64 at rest) so builds can carry user configuration
without plaintext ever touching durable storage. Decrypted values live
only in process locals during a build.

RedactToken enforces the egress rule for git access tokens: every
literal occurrence of the token is replaced with [REDACTED] before an
error message or log line leaves the orchestrator.
*/
package security
