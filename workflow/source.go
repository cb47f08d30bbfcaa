package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/songzhibin97/blockflow/types"
)

// BlockSource lists the blocks of a project ordered by position.
type BlockSource interface {
	ListBlocks(ctx context.Context, projectID string) ([]types.Block, error)
}

// ArtifactSink receives every recorded node result. Implementations must not block for long;
// the engine calls Put from the execution goroutine.
type ArtifactSink interface {
	Put(ctx context.Context, executionID uint64, result types.ExecutionResult) error
}

// StaticBlocks is an in-memory BlockSource.
type StaticBlocks struct {
	mu     sync.RWMutex
	blocks map[string][]types.Block
}

// NewStaticBlocks creates a StaticBlocks holding blocks grouped by project.
func NewStaticBlocks(blocks ...types.Block) *StaticBlocks {
	s := &StaticBlocks{blocks: make(map[string][]types.Block)}
	for _, b := range blocks {
		s.Put(b)
	}
	return s
}

// Put adds or replaces a block.
func (s *StaticBlocks) Put(b types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.blocks[b.ProjectID]
	for i := range list {
		if list[i].ID == b.ID {
			list[i] = b
			return
		}
	}
	s.blocks[b.ProjectID] = append(list, b)
}

// Remove deletes a block. It reports whether the block existed.
func (s *StaticBlocks) Remove(projectID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.blocks[projectID]
	for i := range list {
		if list[i].ID == id {
			s.blocks[projectID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ListBlocks implements BlockSource.
func (s *StaticBlocks) ListBlocks(ctx context.Context, projectID string) ([]types.Block, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	out := append([]types.Block(nil), s.blocks[projectID]...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
