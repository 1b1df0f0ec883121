package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notes-server/internal/cache"
	"notes-server/internal/domain"
	"notes-server/internal/event"
	"notes-server/internal/repository"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

type EventPublisher interface {
	Publish(ctx context.Context, evt event.Event)
}

type NoteServiceConfig struct {
	CacheTTL        time.Duration
	HistoryMaxDepth int
}

// NoteService coordinates the relational store, the snapshot chain, the
// read cache and the event publisher. Only the relational commit is
// authoritative: steps before it roll back on failure, steps after it are
// logged and never undo the commit.
type NoteService struct {
	notes    repository.NoteRepository
	users    repository.UserRepository
	versions repository.VersionChainStore
	cache    cache.Cache
	events   EventPublisher
	cacheTTL time.Duration
	maxDepth int
	log      zerolog.Logger
}

func NewNoteService(
	notes repository.NoteRepository,
	users repository.UserRepository,
	versions repository.VersionChainStore,
	c cache.Cache,
	events EventPublisher,
	cfg NoteServiceConfig,
	log zerolog.Logger,
) *NoteService {
	return &NoteService{
		notes:    notes,
		users:    users,
		versions: versions,
		cache:    c,
		events:   events,
		cacheTTL: cfg.CacheTTL,
		maxDepth: cfg.HistoryMaxDepth,
		log:      log.With().Str("component", "note_service").Logger(),
	}
}

// Create stores a new note. If the note is committed but its root snapshot
// cannot be recorded, the view is returned together with an error wrapping
// domain.ErrPartialSuccess.
func (s *NoteService) Create(ctx context.Context, ownerID int64, req *domain.CreateNoteRequest) (*domain.NoteView, error) {
	tx, err := s.notes.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer s.rollbackUnlessCommitted(ctx, tx, &committed)

	note := &domain.Note{OwnerID: ownerID, Content: req.Content}
	if err := tx.Insert(ctx, note); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDurability, err)
	}
	committed = true

	post := context.WithoutCancel(ctx)
	view := domain.NewNoteView(note)

	var partial error
	if _, err := s.versions.Append(post, domain.NewVersionSnapshot(note), nil); err != nil {
		s.log.Error().Err(err).Int64("note_id", note.ID).Msg("note committed without root snapshot")
		partial = fmt.Errorf("%w: history for note %d not recorded: %v", domain.ErrPartialSuccess, note.ID, err)
	}

	s.invalidateOwner(post, ownerID)
	s.publishNoteAdded(post, ownerID, note.Content)

	s.log.Info().Int64("note_id", note.ID).Int64("owner_id", ownerID).Msg("note created")
	return &view, partial
}

func (s *NoteService) Get(ctx context.Context, ownerID, noteID int64) (*domain.NoteView, error) {
	key := cache.NoteKey(ownerID, noteID)

	var cached domain.NoteView
	if s.readCache(ctx, key, &cached) {
		return &cached, nil
	}

	note, err := s.notes.FindByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := authorize(note, ownerID); err != nil {
		return nil, err
	}

	view := domain.NewNoteView(note)
	s.writeCache(ctx, key, view)
	return &view, nil
}

func (s *NoteService) List(ctx context.Context, ownerID int64, skip, limit int) ([]domain.NoteView, error) {
	skip, limit = normalizeWindow(skip, limit)
	key := cache.ListKey(ownerID, skip, limit)

	var cached []domain.NoteView
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	notes, err := s.notes.ListByOwner(ctx, ownerID, skip, limit)
	if err != nil {
		return nil, err
	}

	views := lo.Map(notes, func(n *domain.Note, _ int) domain.NoteView {
		return domain.NewNoteView(n)
	})
	s.writeCache(ctx, key, views)
	return views, nil
}

// Update applies a partial update. The new snapshot is appended before the
// relational commit so that a failed append leaves the note untouched.
func (s *NoteService) Update(ctx context.Context, ownerID, noteID int64, upd domain.NoteUpdate) (*domain.NoteView, error) {
	tx, err := s.notes.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer s.rollbackUnlessCommitted(ctx, tx, &committed)

	note, err := tx.FindByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := authorize(note, ownerID); err != nil {
		return nil, err
	}

	if upd.IsEmpty() {
		view := domain.NewNoteView(note)
		return &view, nil
	}

	previous := note.Content
	upd.Apply(note)
	if err := tx.Update(ctx, note); err != nil {
		return nil, err
	}

	head, err := s.versions.FindByIdentity(ctx, note.ID, previous)
	if err != nil {
		return nil, fmt.Errorf("%w: chain head lookup: %v", domain.ErrHistoryWrite, err)
	}
	var parentID *string
	if head != nil {
		parentID = &head.ID
	} else {
		s.log.Warn().Int64("note_id", note.ID).Msg("no snapshot matches current content, starting a new root")
	}

	snapshotID, err := s.versions.Append(ctx, domain.NewVersionSnapshot(note), parentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrHistoryWrite, err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Error().Err(err).Int64("note_id", note.ID).Str("snapshot_id", snapshotID).
			Msg("commit failed after snapshot append, history is ahead of the note")
		return nil, fmt.Errorf("%w: %v", domain.ErrDurability, err)
	}
	committed = true

	s.invalidateOwner(context.WithoutCancel(ctx), ownerID)

	view := domain.NewNoteView(note)
	return &view, nil
}

func (s *NoteService) Delete(ctx context.Context, ownerID, noteID int64) error {
	tx, err := s.notes.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer s.rollbackUnlessCommitted(ctx, tx, &committed)

	note, err := tx.FindByID(ctx, noteID)
	if err != nil {
		return err
	}
	if err := authorize(note, ownerID); err != nil {
		return err
	}

	if err := tx.Delete(ctx, noteID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDurability, err)
	}
	committed = true

	post := context.WithoutCancel(ctx)
	deleted, err := s.versions.DeleteAll(post, noteID)
	if err != nil {
		s.log.Error().Err(err).Int64("note_id", noteID).Int("deleted", deleted).Msg("snapshots left behind after note delete")
	}

	s.invalidateOwner(post, ownerID)

	s.log.Info().Int64("note_id", noteID).Int64("owner_id", ownerID).Int("snapshots", deleted).Msg("note deleted")
	return nil
}

// History returns the snapshots of a note oldest first. A note whose
// current content has no snapshot yields an empty history.
func (s *NoteService) History(ctx context.Context, ownerID, noteID int64) ([]domain.VersionSnapshot, error) {
	note, err := s.notes.FindByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := authorize(note, ownerID); err != nil {
		return nil, err
	}

	key := cache.HistoryKey(ownerID, noteID)
	var cached []domain.VersionSnapshot
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	head, err := s.versions.FindByIdentity(ctx, note.ID, note.Content)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return []domain.VersionSnapshot{}, nil
	}

	chain, err := s.versions.WalkChainFrom(ctx, head, s.maxDepth)
	if err != nil {
		if errors.Is(err, domain.ErrChainCorrupted) {
			s.log.Error().Err(err).Int64("note_id", noteID).Msg("version chain corrupted")
		}
		return nil, err
	}

	history := make([]domain.VersionSnapshot, len(chain))
	for i, snap := range chain {
		history[len(chain)-1-i] = *snap
	}

	s.writeCache(ctx, key, history)
	return history, nil
}

func (s *NoteService) rollbackUnlessCommitted(ctx context.Context, tx repository.NoteTx, committed *bool) {
	if *committed {
		return
	}
	err := tx.Rollback(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, repository.ErrTxFinished) {
		s.log.Error().Err(err).Msg("note transaction rollback failed")
	}
}

func (s *NoteService) publishNoteAdded(ctx context.Context, ownerID int64, content string) {
	owner, err := s.users.FindByID(ctx, ownerID)
	if err != nil {
		s.log.Error().Err(err).Int64("owner_id", ownerID).Msg("skipping NoteAdded, owner lookup failed")
		return
	}
	s.events.Publish(ctx, event.NoteAdded{OwnerID: owner.ID, Username: owner.Username, Content: content})
}

func (s *NoteService) readCache(ctx context.Context, key string, dest any) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache read failed, falling back to store")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

func (s *NoteService) writeCache(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (s *NoteService) invalidateOwner(ctx context.Context, ownerID int64) {
	pattern := cache.OwnerPattern(ownerID)
	n, err := s.cache.DeleteByPrefix(ctx, pattern)
	if err != nil {
		s.log.Warn().Err(err).Str("pattern", pattern).Msg("cache invalidation failed")
		return
	}
	s.log.Debug().Str("pattern", pattern).Int("keys", n).Msg("cache invalidated")
}

func authorize(note *domain.Note, ownerID int64) error {
	if note.OwnerID != ownerID {
		return fmt.Errorf("note %d: %w", note.ID, domain.ErrAccessDenied)
	}
	return nil
}

func normalizeWindow(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return skip, limit
}
