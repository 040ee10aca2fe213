package letta

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hulylabs/vibesync/internal/debug"
)

// MaxBlockValueLen caps a memory block's value. Longer values are cut
// and suffixed with TruncationMarker so readers can tell content is
// missing.
const (
	MaxBlockValueLen = 50000
	TruncationMarker = "\n...[truncated]"

	// blockUpsertConcurrency bounds parallel block writes per agent.
	blockUpsertConcurrency = 2
)

// MemoryUpdater pushes memory blocks to agents, gated by a per-agent
// content-hash cache so unchanged block sets cost zero API calls.
type MemoryUpdater struct {
	client *Client

	mu     sync.Mutex
	hashes map[string]string // agentID -> hash of last pushed block set
}

// NewMemoryUpdater creates an updater over the client.
func NewMemoryUpdater(client *Client) *MemoryUpdater {
	return &MemoryUpdater{
		client: client,
		hashes: make(map[string]string),
	}
}

// TruncateValue enforces the block size cap.
func TruncateValue(v string) string {
	if len(v) <= MaxBlockValueLen {
		return v
	}
	return v[:MaxBlockValueLen-len(TruncationMarker)] + TruncationMarker
}

// hashBlocks digests the full (label, value) set. Callers pass blocks
// in a stable order, so the digest is deterministic per content.
func hashBlocks(blocks []Block) string {
	h := sha256.New()
	for _, b := range blocks {
		vh := sha256.Sum256([]byte(b.Value))
		fmt.Fprintf(h, "%s\x1f%x\x1e", b.Label, vh)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// UpsertBlocks makes the agent's memory match blocks. Values are
// truncated to the cap first. If the whole set hashes to the cached
// value the call is a no-op; otherwise existing blocks are listed once,
// diffed, and create/update calls run with bounded concurrency.
func (m *MemoryUpdater) UpsertBlocks(ctx context.Context, agentID string, blocks []Block) error {
	for i := range blocks {
		blocks[i].Value = TruncateValue(blocks[i].Value)
	}

	setHash := hashBlocks(blocks)
	m.mu.Lock()
	cached := m.hashes[agentID]
	m.mu.Unlock()
	if cached == setHash {
		debug.Logf("letta: memory blocks for %s unchanged, skipping", agentID)
		return nil
	}

	existing, err := m.client.ListBlocks(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to list memory blocks: %w", err)
	}
	current := make(map[string]string, len(existing))
	for _, b := range existing {
		current[b.Label] = b.Value
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blockUpsertConcurrency)
	for _, block := range blocks {
		old, exists := current[block.Label]
		if exists && old == block.Value {
			continue
		}
		g.Go(func() error {
			if exists {
				if err := m.client.UpdateBlock(gctx, agentID, block.Label, block.Value); err != nil {
					return fmt.Errorf("failed to update block %s: %w", block.Label, err)
				}
				return nil
			}
			if err := m.client.CreateBlock(gctx, agentID, block); err != nil {
				return fmt.Errorf("failed to create block %s: %w", block.Label, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.hashes[agentID] = setHash
	m.mu.Unlock()
	return nil
}

// InvalidateAgent drops the hash cache entry, forcing the next upsert
// to diff against the platform.
func (m *MemoryUpdater) InvalidateAgent(agentID string) {
	m.mu.Lock()
	delete(m.hashes, agentID)
	m.mu.Unlock()
}
