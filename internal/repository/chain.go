package repository

import (
	"context"
	"errors"
	"fmt"

	"notes-server/internal/domain"
)

const DefaultMaxChainDepth = 10000

// ParentLookup loads a snapshot by document id. Implementations return an
// error wrapping domain.ErrNotFound when the id does not exist.
type ParentLookup func(ctx context.Context, id string) (*domain.VersionSnapshot, error)

// WalkChain follows ParentID links from head back to the root and returns
// the snapshots newest first. The walk stops with domain.ErrChainCorrupted on
// a cycle, a dangling parent, a link into another note, or once maxDepth
// snapshots have been collected without reaching a root.
func WalkChain(ctx context.Context, head *domain.VersionSnapshot, maxDepth int, lookup ParentLookup) ([]*domain.VersionSnapshot, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}

	chain := []*domain.VersionSnapshot{head}
	seen := map[string]struct{}{head.ID: {}}

	for current := head; !current.IsRoot(); {
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("%w: note %d exceeds depth %d", domain.ErrChainCorrupted, head.NoteID, maxDepth)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		parentID := *current.ParentID
		if _, ok := seen[parentID]; ok {
			return nil, fmt.Errorf("%w: note %d has a cycle at %s", domain.ErrChainCorrupted, head.NoteID, parentID)
		}

		parent, err := lookup(ctx, parentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: note %d references missing snapshot %s", domain.ErrChainCorrupted, head.NoteID, parentID)
		}
		if err != nil {
			return nil, err
		}
		if parent.NoteID != head.NoteID {
			return nil, fmt.Errorf("%w: snapshot %s links note %d into note %d", domain.ErrChainCorrupted, current.ID, head.NoteID, parent.NoteID)
		}

		seen[parentID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}

	return chain, nil
}

// MostRecent picks the latest inserted snapshot among identical-content
// matches. Snapshot ids are UUIDv7, so they break CreatedAt ties in insertion order.
func MostRecent(matches []*domain.VersionSnapshot) *domain.VersionSnapshot {
	var latest *domain.VersionSnapshot
	for _, m := range matches {
		if latest == nil ||
			m.CreatedAt.After(latest.CreatedAt) ||
			(m.CreatedAt.Equal(latest.CreatedAt) && m.ID > latest.ID) {
			latest = m
		}
	}
	return latest
}
