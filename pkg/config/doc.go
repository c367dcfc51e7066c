/*
Package config assembles service configuration from the environment.

Tuning knobs keep the names the platform documents (BATCH_MAX_EVENTS,
BACKOFF_BASE_MS, STOP_AFTER_ATTEMPTS, …); secrets and endpoints have
no defaults and stay empty unless provided. The optional alert config
file seeds per-model SLO configuration and the burn-rate window set
from YAML at startup.
*/
package config
