package session

import (
	"encoding/json"

	"github.com/cuemby/foundry/pkg/types"
)

// state is the aggregator's durable snapshot: everything needed to
// produce the final SessionMetrics record, updated item by item
type state struct {
	SessionID     string `json:"sessionId"`
	KiloUserID    string `json:"kiloUserId"`
	IngestVersion int    `json:"ingestVersion"`

	Platform string `json:"platform"`
	OrgID    string `json:"orgId,omitempty"`
	Model    string `json:"model,omitempty"`

	SessionCreated float64 `json:"sessionCreated,omitempty"`
	SessionUpdated float64 `json:"sessionUpdated,omitempty"`

	FirstUserCreated      float64 `json:"firstUserCreated,omitempty"`
	FirstAssistantCreated float64 `json:"firstAssistantCreated,omitempty"`

	TotalTurns  int64 `json:"totalTurns"`
	TotalSteps  int64 `json:"totalSteps"`
	TotalErrors int64 `json:"totalErrors"`

	ErrorsByType     map[string]int64 `json:"errorsByType,omitempty"`
	ToolCallsByType  map[string]int64 `json:"toolCallsByType,omitempty"`
	ToolErrorsByType map[string]int64 `json:"toolErrorsByType,omitempty"`
	// SigCounts counts identical (tool, input) call signatures for
	// the stuck-tool detector
	SigCounts map[string]int64 `json:"sigCounts,omitempty"`

	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	ReasoningTokens  int64   `json:"reasoningTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	TotalCost        float64 `json:"totalCost"`

	CompactionCount     int64 `json:"compactionCount"`
	AutoCompactionCount int64 `json:"autoCompactionCount"`

	CloseReason types.CloseReason `json:"closeReason,omitempty"`
}

func newState(sessionID, kiloUserID string, ingestVersion int) *state {
	return &state{
		SessionID:     sessionID,
		KiloUserID:    kiloUserID,
		IngestVersion: ingestVersion,
		Platform:      "unknown",
	}
}

// stuckThreshold is how many identical calls make a tool "stuck"
const stuckThreshold = 3

// apply folds one stream item into the snapshot
func (s *state) apply(item *types.IngestItem) {
	switch item.Type {
	case types.ItemTypeSession:
		if item.Session != nil {
			// Last one wins
			s.SessionCreated = item.Session.Time.Created
			s.SessionUpdated = item.Session.Time.Updated
		}
	case types.ItemTypeKiloMeta:
		if item.Meta != nil {
			// Last non-empty wins
			if item.Meta.Platform != "" {
				s.Platform = item.Meta.Platform
			}
			if item.Meta.OrgID != "" {
				s.OrgID = item.Meta.OrgID
			}
		}
	case types.ItemTypeMessage:
		s.applyMessage(item.Message)
	case types.ItemTypePart:
		s.applyPart(item.Part)
	case types.ItemTypeSessionClose:
		if item.Close != nil && item.Close.Reason != "" {
			s.CloseReason = item.Close.Reason
		}
	}
}

func (s *state) applyMessage(m *types.Message) {
	if m == nil {
		return
	}

	switch m.Role {
	case "user":
		s.TotalTurns++
		if s.FirstUserCreated == 0 || m.Time.Created < s.FirstUserCreated {
			s.FirstUserCreated = m.Time.Created
		}
	case "assistant":
		if s.FirstAssistantCreated == 0 || m.Time.Created < s.FirstAssistantCreated {
			s.FirstAssistantCreated = m.Time.Created
		}
		if m.ModelID != "" {
			s.Model = m.ModelID
		}
		if m.Tokens != nil {
			s.InputTokens += m.Tokens.Input
			s.OutputTokens += m.Tokens.Output
			s.ReasoningTokens += m.Tokens.Reasoning
			s.CacheReadTokens += m.Tokens.Cache.Read
			s.CacheWriteTokens += m.Tokens.Cache.Write
		}
		s.TotalCost += m.Cost
		if m.Error != nil && m.Error.Name != "" {
			s.TotalErrors++
			if s.ErrorsByType == nil {
				s.ErrorsByType = make(map[string]int64)
			}
			s.ErrorsByType[m.Error.Name]++
		}
	}
}

func (s *state) applyPart(p *types.Part) {
	if p == nil {
		return
	}

	switch p.Type {
	case "step-finish":
		s.TotalSteps++
	case "compaction":
		s.CompactionCount++
		if p.Auto {
			s.AutoCompactionCount++
		}
	case "tool":
		if s.ToolCallsByType == nil {
			s.ToolCallsByType = make(map[string]int64)
		}
		s.ToolCallsByType[p.Tool]++

		if p.State == nil {
			return
		}
		switch p.State.Status {
		case types.ToolStatusError:
			if s.ToolErrorsByType == nil {
				s.ToolErrorsByType = make(map[string]int64)
			}
			s.ToolErrorsByType[p.Tool]++
			s.TotalErrors++
			s.countSignature(p)
		case types.ToolStatusCompleted:
			s.countSignature(p)
		}
	}
}

// countSignature tallies one finished tool call by its canonical
// (tool, input) signature
func (s *state) countSignature(p *types.Part) {
	if s.SigCounts == nil {
		s.SigCounts = make(map[string]int64)
	}
	s.SigCounts[p.Tool+":"+canonicalJSON(p.State.Input)]++
}

// canonicalJSON serializes a tool input deterministically; Go's JSON
// encoder already emits map keys in sorted order
func canonicalJSON(input map[string]interface{}) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// metrics finalizes the snapshot into the emitted record
func (s *state) metrics(reason types.CloseReason) *types.SessionMetrics {
	m := &types.SessionMetrics{
		SessionID:           s.SessionID,
		KiloUserID:          s.KiloUserID,
		OrganizationID:      s.OrgID,
		Platform:            s.Platform,
		Model:               s.Model,
		TerminationReason:   string(reason),
		TotalTurns:          s.TotalTurns,
		TotalSteps:          s.TotalSteps,
		TotalErrors:         s.TotalErrors,
		ErrorsByType:        s.ErrorsByType,
		ToolCallsByType:     s.ToolCallsByType,
		ToolErrorsByType:    s.ToolErrorsByType,
		InputTokens:         s.InputTokens,
		OutputTokens:        s.OutputTokens,
		ReasoningTokens:     s.ReasoningTokens,
		CacheReadTokens:     s.CacheReadTokens,
		CacheWriteTokens:    s.CacheWriteTokens,
		TotalCost:           s.TotalCost,
		CompactionCount:     s.CompactionCount,
		AutoCompactionCount: s.AutoCompactionCount,
		IngestVersion:       s.IngestVersion,
	}

	if d := s.SessionUpdated - s.SessionCreated; d > 0 {
		m.SessionDurationMs = d
	}

	if s.FirstUserCreated > 0 && s.FirstAssistantCreated > 0 {
		ttfr := s.FirstAssistantCreated - s.FirstUserCreated
		if ttfr < 0 {
			ttfr = 0
		}
		m.TimeToFirstResponseMs = &ttfr
	}

	for _, count := range s.SigCounts {
		if count >= stuckThreshold {
			m.StuckToolCallCount += count
		}
	}

	return m
}
