package session

import (
	"strings"
	"testing"

	"github.com/cuemby/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logItems(messages ...string) []types.IngestItem {
	items := make([]types.IngestItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, types.IngestItem{
			Type:    types.ItemTypeMessage,
			Message: &types.Message{Role: "user", Finish: msg},
		})
	}
	return items
}

// TestSplitPreservesOrder: concatenated chunks reproduce the input
func TestSplitPreservesOrder(t *testing.T) {
	items := logItems("a", "b", "c", "d", "e")

	result := SplitIngestBatch(items, 0, 200)
	assert.Zero(t, result.Dropped)
	require.Greater(t, len(result.Chunks), 1, "a tiny chunk budget must split the batch")

	var flattened []types.IngestItem
	for _, chunk := range result.Chunks {
		flattened = append(flattened, chunk...)
	}
	require.Len(t, flattened, len(items))
	for i := range items {
		assert.Equal(t, items[i].Message.Finish, flattened[i].Message.Finish)
	}
}

// TestSplitDropsOversizedItems: only items whose individual encoding
// exceeds the cap are excluded
func TestSplitDropsOversizedItems(t *testing.T) {
	huge := strings.Repeat("x", 4096)
	items := logItems("a", huge, "b")

	result := SplitIngestBatch(items, 1024, 0)
	assert.Equal(t, 1, result.Dropped)

	var flattened []types.IngestItem
	for _, chunk := range result.Chunks {
		flattened = append(flattened, chunk...)
	}
	require.Len(t, flattened, 2)
	assert.Equal(t, "a", flattened[0].Message.Finish)
	assert.Equal(t, "b", flattened[1].Message.Finish)
}

// TestSplitEmptyBatch yields no chunks
func TestSplitEmptyBatch(t *testing.T) {
	result := SplitIngestBatch(nil, 0, 0)
	assert.Empty(t, result.Chunks)
	assert.Zero(t, result.Dropped)
}
