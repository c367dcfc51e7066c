package session

import (
	"encoding/json"

	"github.com/cuemby/foundry/pkg/types"
)

// Ingest batch sizing. Items are forwarded to a per-session actor, so
// oversized payloads are bounded both per item and per chunk.
const (
	MaxIngestItemBytes  = 128 * 1024
	MaxIngestChunkBytes = 1024 * 1024
)

// SplitResult carries the chunked batch plus how many items were too
// large to forward at all
type SplitResult struct {
	Chunks  [][]types.IngestItem
	Dropped int
}

// SplitIngestBatch chunks a batch for forwarding. Concatenating the
// chunks preserves the original order; the only items missing are
// those whose individual JSON encoding exceeds maxItemBytes. A zero
// maxItemBytes or maxChunkBytes uses the defaults.
func SplitIngestBatch(items []types.IngestItem, maxItemBytes, maxChunkBytes int) SplitResult {
	if maxItemBytes <= 0 {
		maxItemBytes = MaxIngestItemBytes
	}
	if maxChunkBytes <= 0 {
		maxChunkBytes = MaxIngestChunkBytes
	}

	var result SplitResult
	var chunk []types.IngestItem
	chunkBytes := 0

	for i := range items {
		data, err := json.Marshal(&items[i])
		if err != nil || len(data) > maxItemBytes {
			result.Dropped++
			continue
		}

		if chunkBytes+len(data) > maxChunkBytes && len(chunk) > 0 {
			result.Chunks = append(result.Chunks, chunk)
			chunk = nil
			chunkBytes = 0
		}
		chunk = append(chunk, items[i])
		chunkBytes += len(data)
	}
	if len(chunk) > 0 {
		result.Chunks = append(result.Chunks, chunk)
	}

	return result
}
