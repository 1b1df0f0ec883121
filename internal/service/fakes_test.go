package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"notes-server/internal/cache"
	"notes-server/internal/domain"
	"notes-server/internal/event"
	"notes-server/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// fakeNoteRepo stages writes per transaction and applies them on Commit.
type fakeNoteRepo struct {
	mu        sync.Mutex
	notes     map[int64]*domain.Note
	nextID    int64
	commitErr error
	onCommit  func()
	commits   int
	rollbacks int
	finds     int
}

func newFakeNoteRepo() *fakeNoteRepo {
	return &fakeNoteRepo{notes: make(map[int64]*domain.Note)}
}

func (r *fakeNoteRepo) Begin(ctx context.Context) (repository.NoteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeNoteTx{repo: r, staged: make(map[int64]*domain.Note), deleted: make(map[int64]bool)}, nil
}

func (r *fakeNoteRepo) FindByID(_ context.Context, id int64) (*domain.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	n, ok := r.notes[id]
	if !ok {
		return nil, fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (r *fakeNoteRepo) ListByOwner(_ context.Context, ownerID int64, skip, limit int) ([]*domain.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	var owned []*domain.Note
	for _, n := range r.notes {
		if n.OwnerID == ownerID {
			cp := *n
			owned = append(owned, &cp)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })
	if skip >= len(owned) {
		return nil, nil
	}
	owned = owned[skip:]
	if len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

func (r *fakeNoteRepo) content(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return "", false
	}
	return n.Content, true
}

func (r *fakeNoteRepo) seed(n *domain.Note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == 0 {
		r.nextID++
		n.ID = r.nextID
	}
	r.notes[n.ID] = n
}

type fakeNoteTx struct {
	repo     *fakeNoteRepo
	staged   map[int64]*domain.Note
	deleted  map[int64]bool
	finished bool
}

func (t *fakeNoteTx) Insert(_ context.Context, note *domain.Note) error {
	t.repo.mu.Lock()
	t.repo.nextID++
	note.ID = t.repo.nextID
	t.repo.mu.Unlock()
	cp := *note
	t.staged[note.ID] = &cp
	return nil
}

func (t *fakeNoteTx) FindByID(ctx context.Context, id int64) (*domain.Note, error) {
	if t.deleted[id] {
		return nil, fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	if n, ok := t.staged[id]; ok {
		cp := *n
		return &cp, nil
	}
	return t.repo.FindByID(ctx, id)
}

func (t *fakeNoteTx) Update(ctx context.Context, note *domain.Note) error {
	if _, err := t.FindByID(ctx, note.ID); err != nil {
		return err
	}
	cp := *note
	t.staged[note.ID] = &cp
	return nil
}

func (t *fakeNoteTx) Delete(ctx context.Context, id int64) error {
	if _, err := t.FindByID(ctx, id); err != nil {
		return err
	}
	delete(t.staged, id)
	t.deleted[id] = true
	return nil
}

func (t *fakeNoteTx) Commit(context.Context) error {
	if t.finished {
		return repository.ErrTxFinished
	}
	t.finished = true
	if t.repo.onCommit != nil {
		t.repo.onCommit()
	}
	if t.repo.commitErr != nil {
		return t.repo.commitErr
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, n := range t.staged {
		t.repo.notes[id] = n
	}
	for id := range t.deleted {
		delete(t.repo.notes, id)
	}
	t.repo.commits++
	return nil
}

func (t *fakeNoteTx) Rollback(context.Context) error {
	if t.finished {
		return repository.ErrTxFinished
	}
	t.finished = true
	t.repo.mu.Lock()
	t.repo.rollbacks++
	t.repo.mu.Unlock()
	return nil
}

type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[int64]*domain.User
	nextID int64
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*domain.User)}
}

func (r *fakeUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username || u.Email == user.Email {
			return fmt.Errorf("user exists: %w", domain.ErrConflict)
		}
	}
	r.nextID++
	user.ID = r.nextID
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) FindByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user: %w", domain.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user: %w", domain.ErrNotFound)
}

func (r *fakeUserRepo) add(username string) *domain.User {
	u := &domain.User{Username: username, Email: username + "@example.com"}
	if err := r.Create(context.Background(), u); err != nil {
		panic(err)
	}
	return u
}

// fakeChainStore keeps snapshots in memory and walks them with the same
// bounded walk as the CouchDB store.
type fakeChainStore struct {
	mu        sync.Mutex
	snaps     map[string]*domain.VersionSnapshot
	seq       int
	appendErr error
	findErr   error
	deleteErr error
	appends   int
}

func newFakeChainStore() *fakeChainStore {
	return &fakeChainStore{snaps: make(map[string]*domain.VersionSnapshot)}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *fakeChainStore) Append(ctx context.Context, snapshot *domain.VersionSnapshot, parentID *string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.appends++
	snapshot.ID = fmt.Sprintf("snapshot:%04d", f.seq)
	snapshot.ParentID = parentID
	snapshot.CreatedAt = epoch.Add(time.Duration(f.seq) * time.Second)
	cp := *snapshot
	f.snaps[snapshot.ID] = &cp
	return snapshot.ID, nil
}

func (f *fakeChainStore) put(snapshot *domain.VersionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snapshot.ID] = snapshot
}

func (f *fakeChainStore) FindByIdentity(_ context.Context, noteID int64, content string) (*domain.VersionSnapshot, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []*domain.VersionSnapshot
	for _, s := range f.snaps {
		if s.NoteID == noteID && s.Content == content {
			matches = append(matches, s)
		}
	}
	return repository.MostRecent(matches), nil
}

func (f *fakeChainStore) WalkChainFrom(ctx context.Context, head *domain.VersionSnapshot, maxDepth int) ([]*domain.VersionSnapshot, error) {
	return repository.WalkChain(ctx, head, maxDepth, func(_ context.Context, id string) (*domain.VersionSnapshot, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		s, ok := f.snaps[id]
		if !ok {
			return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
		}
		return s, nil
	})
}

func (f *fakeChainStore) DeleteAll(_ context.Context, noteID int64) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.snaps {
		if s.NoteID == noteID {
			delete(f.snaps, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeChainStore) count(noteID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.snaps {
		if s.NoteID == noteID {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) published() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}

// brokenCache fails every read while delegating writes.
type brokenCache struct {
	cache.Cache
}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: %v", domain.ErrTransientStore, errInjected)
}

type noteFixture struct {
	svc      *NoteService
	notes    *fakeNoteRepo
	users    *fakeUserRepo
	versions *fakeChainStore
	cache    cache.Cache
	events   *recordingPublisher
}

func newNoteFixture(t *testing.T) *noteFixture {
	t.Helper()
	db, err := cache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &noteFixture{
		notes:    newFakeNoteRepo(),
		users:    newFakeUserRepo(),
		versions: newFakeChainStore(),
		cache:    cache.NewBadgerCache(db),
		events:   &recordingPublisher{},
	}
	f.rebuild()
	return f
}

func (f *noteFixture) rebuild() {
	f.svc = NewNoteService(f.notes, f.users, f.versions, f.cache, f.events, NoteServiceConfig{
		CacheTTL:        time.Minute,
		HistoryMaxDepth: 50,
	}, zerolog.Nop())
}

func (f *noteFixture) cached(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := f.cache.Get(context.Background(), key)
	require.NoError(t, err)
	return ok
}
