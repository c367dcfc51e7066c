package types

import (
	"time"
)

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusDeploying BuildStatus = "deploying"
	BuildStatusDeployed  BuildStatus = "deployed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusDeployed, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// SourceType discriminates the build source union
type SourceType string

const (
	SourceTypeGit     SourceType = "git"
	SourceTypeArchive SourceType = "archive"
)

// GitSource describes a repository to clone
type GitSource struct {
	Provider    string `json:"provider"`
	RepoSource  string `json:"repoSource"`
	Branch      string `json:"branch,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// BuildSource is a tagged union: git clone or uploaded archive
type BuildSource struct {
	Type SourceType `json:"type"`
	Git  *GitSource `json:"git,omitempty"`
}

// SealedEnvVar is an environment variable as received from ingress,
// with its value encrypted under the service key
type SealedEnvVar struct {
	Key        string `json:"key"`
	IsSecret   bool   `json:"isSecret"`
	Ciphertext string `json:"ciphertext"`
}

// EnvVar is a decrypted environment variable, held only in process
// locals during a build and never persisted
type EnvVar struct {
	Key      string
	Value    string
	IsSecret bool
}

// ProjectType is the detected project framework tag
type ProjectType string

const (
	ProjectTypeNextJS    ProjectType = "nextjs"
	ProjectTypeHugo      ProjectType = "hugo"
	ProjectTypeJekyll    ProjectType = "jekyll"
	ProjectTypeEleventy  ProjectType = "eleventy"
	ProjectTypeAstro     ProjectType = "astro"
	ProjectTypePlainHTML ProjectType = "plain-html"
)

// SupportedProjectTypes is the allow-list checked after detection
var SupportedProjectTypes = map[ProjectType]bool{
	ProjectTypeNextJS:    true,
	ProjectTypeHugo:      true,
	ProjectTypeJekyll:    true,
	ProjectTypeEleventy:  true,
	ProjectTypeAstro:     true,
	ProjectTypePlainHTML: true,
}

// Static reports whether the project type deploys the built-in static worker
func (p ProjectType) Static() bool {
	return SupportedProjectTypes[p] && p != ProjectTypeNextJS
}

// Build is one deployment job
type Build struct {
	BuildID     string         `json:"buildId"`
	Slug        string         `json:"slug"`
	Source      BuildSource    `json:"source"`
	EnvVars     []SealedEnvVar `json:"envVars,omitempty"`
	Status      BuildStatus    `json:"status"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	ProjectType ProjectType    `json:"projectType,omitempty"`
}

// EventType discriminates build event payloads
type EventType string

const (
	EventTypeLog          EventType = "log"
	EventTypeStatusChange EventType = "status_change"
)

// EventPayload carries the type-specific body of an event
type EventPayload struct {
	Message string      `json:"message,omitempty"`
	Status  BuildStatus `json:"status,omitempty"`
}

// Event is one entry in a per-build ring buffer. IDs are assigned
// contiguously from 0 within a build.
type Event struct {
	ID      uint64       `json:"id"`
	TS      time.Time    `json:"ts"`
	Type    EventType    `json:"type"`
	Payload EventPayload `json:"payload"`
}

// DeliveryState is per-build webhook retry bookkeeping.
// NextAttemptAt is epoch milliseconds; zero means no retry scheduled.
// Attempt is zero after the last success.
type DeliveryState struct {
	NextAttemptAt int64  `json:"nextAttemptAt"`
	Attempt       uint32 `json:"attempt"`
}

// DeploymentFile is a file destined for the provider: the worker
// script, an artifact shipped alongside it, or a static asset
type DeploymentFile struct {
	Path     string
	Content  []byte
	MimeType string
}

// ArtifactBundle is the output of the build phase
type ArtifactBundle struct {
	WorkerScript DeploymentFile
	Artifacts    []DeploymentFile
	Assets       []DeploymentFile
}

// Severity ranks alert notifications
type Severity string

const (
	SeverityPage   Severity = "page"
	SeverityTicket Severity = "ticket"
)

// AlertType discriminates cooldown keys per alert family
type AlertType string

const (
	AlertTypeErrorRate AlertType = "error_rate"
	AlertTypeTTFB      AlertType = "ttfb"
)

// ErrorRateAlertConfig configures error-rate SLO alerting for one model
type ErrorRateAlertConfig struct {
	Model                string    `json:"model"`
	Enabled              bool      `json:"enabled"`
	ErrorRateSLO         float64   `json:"errorRateSlo"`
	MinRequestsPerWindow int64     `json:"minRequestsPerWindow"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// TTFBAlertConfig configures tail-latency SLO alerting for one model
type TTFBAlertConfig struct {
	Model                string    `json:"model"`
	Enabled              bool      `json:"enabled"`
	TTFBThresholdMs      int64     `json:"ttfbThresholdMs"`
	TTFBSLO              float64   `json:"ttfbSlo"`
	MinRequestsPerWindow int64     `json:"minRequestsPerWindow"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// BurnRateWindow is one multi-window burn-rate alert rule. The alert
// fires only when both the long and the short window exceed BurnRate.
type BurnRateWindow struct {
	Severity           Severity `yaml:"severity"`
	LongWindowMinutes  int      `yaml:"longWindowMinutes"`
	ShortWindowMinutes int      `yaml:"shortWindowMinutes"`
	BurnRate           float64  `yaml:"burnRate"`
}

// DefaultBurnRateWindows is the canonical multi-window set: fast pages
// on 5m/1m and 30m/3m, a slow ticket on 6h/30m
var DefaultBurnRateWindows = []BurnRateWindow{
	{Severity: SeverityPage, LongWindowMinutes: 5, ShortWindowMinutes: 1, BurnRate: 14.4},
	{Severity: SeverityPage, LongWindowMinutes: 30, ShortWindowMinutes: 3, BurnRate: 6},
	{Severity: SeverityTicket, LongWindowMinutes: 360, ShortWindowMinutes: 30, BurnRate: 1},
}

// Dimension is the (provider, model, client) triple burn rates are
// evaluated for
type Dimension struct {
	Provider string
	Model    string
	Client   string
}

// SessionMetrics is the record emitted exactly once per session
type SessionMetrics struct {
	SessionID             string            `json:"sessionId"`
	KiloUserID            string            `json:"kiloUserId"`
	OrganizationID        string            `json:"organizationId,omitempty"`
	Platform              string            `json:"platform"`
	Model                 string            `json:"model,omitempty"`
	TerminationReason     string            `json:"terminationReason"`
	SessionDurationMs     float64           `json:"sessionDurationMs"`
	TimeToFirstResponseMs *float64          `json:"timeToFirstResponseMs,omitempty"`
	TotalTurns            int64             `json:"totalTurns"`
	TotalSteps            int64             `json:"totalSteps"`
	TotalErrors           int64             `json:"totalErrors"`
	ErrorsByType          map[string]int64  `json:"errorsByType,omitempty"`
	ToolCallsByType       map[string]int64  `json:"toolCallsByType,omitempty"`
	ToolErrorsByType      map[string]int64  `json:"toolErrorsByType,omitempty"`
	StuckToolCallCount    int64             `json:"stuckToolCallCount"`
	InputTokens           int64             `json:"inputTokens"`
	OutputTokens          int64             `json:"outputTokens"`
	ReasoningTokens       int64             `json:"reasoningTokens"`
	CacheReadTokens       int64             `json:"cacheReadTokens"`
	CacheWriteTokens      int64             `json:"cacheWriteTokens"`
	TotalCost             float64           `json:"totalCost"`
	CompactionCount       int64             `json:"compactionCount"`
	AutoCompactionCount   int64             `json:"autoCompactionCount"`
	IngestVersion         int               `json:"ingestVersion"`
}

// TotalTokens sums every token class for the analytics binding
func (m *SessionMetrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens + m.ReasoningTokens + m.CacheReadTokens + m.CacheWriteTokens
}
