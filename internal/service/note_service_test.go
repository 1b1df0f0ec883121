package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notes-server/internal/cache"
	"notes-server/internal/domain"
	"notes-server/internal/event"
	"notes-server/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func historyContents(h []domain.VersionSnapshot) []string {
	out := make([]string, len(h))
	for i, s := range h {
		out[i] = s.Content
	}
	return out
}

func TestNoteService_BuyMilkScenario(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u1 := f.users.add("alice")

	// warm the list cache so the create has something to invalidate
	_, err := f.svc.List(ctx, u1.ID, 0, 10)
	require.NoError(t, err)
	require.True(t, f.cached(t, "notes:owner_id=1:skip=0:limit=10"))

	view, err := f.svc.Create(ctx, u1.ID, &domain.CreateNoteRequest{Content: "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "buy milk", view.Content)
	assert.False(t, f.cached(t, "notes:owner_id=1:skip=0:limit=10"))

	history, err := f.svc.History(ctx, u1.ID, view.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsRoot())

	_, err = f.svc.Update(ctx, u1.ID, view.ID, domain.NoteUpdate{Content: strPtr("buy milk and eggs")})
	require.NoError(t, err)

	history, err = f.svc.History(ctx, u1.ID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"buy milk", "buy milk and eggs"}, historyContents(history))
	require.NotNil(t, history[1].ParentID)
	assert.Equal(t, history[0].ID, *history[1].ParentID)

	require.NoError(t, f.svc.Delete(ctx, u1.ID, view.ID))

	_, err = f.svc.History(ctx, u1.ID, view.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.versions.count(view.ID))
}

func TestNoteService_HistoryGrowsWithEachUpdate(t *testing.T) {
	for k := 0; k <= 5; k++ {
		t.Run(fmt.Sprintf("updates=%d", k), func(t *testing.T) {
			f := newNoteFixture(t)
			ctx := context.Background()
			u := f.users.add("bob")

			view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "v0"})
			require.NoError(t, err)

			want := []string{"v0"}
			for i := 1; i <= k; i++ {
				content := fmt.Sprintf("v%d", i)
				_, err := f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: &content})
				require.NoError(t, err)
				want = append(want, content)
			}

			history, err := f.svc.History(ctx, u.ID, view.ID)
			require.NoError(t, err)
			assert.Equal(t, want, historyContents(history))
		})
	}
}

func TestNoteService_UpdateToSameContentStillRecorded(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("carol")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "same"})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr("same")})
	require.NoError(t, err)

	history, err := f.svc.History(ctx, u.ID, view.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestNoteService_AccessStateMachine(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	owner := f.users.add("owner")
	intruder := f.users.add("intruder")

	view, err := f.svc.Create(ctx, owner.ID, &domain.CreateNoteRequest{Content: "private"})
	require.NoError(t, err)

	ops := map[string]func(user, note int64) error{
		"get": func(user, note int64) error {
			_, err := f.svc.Get(ctx, user, note)
			return err
		},
		"update": func(user, note int64) error {
			_, err := f.svc.Update(ctx, user, note, domain.NoteUpdate{Content: strPtr("hijacked")})
			return err
		},
		"delete": func(user, note int64) error {
			return f.svc.Delete(ctx, user, note)
		},
		"history": func(user, note int64) error {
			_, err := f.svc.History(ctx, user, note)
			return err
		},
	}

	for name, op := range ops {
		t.Run(name+" not owned", func(t *testing.T) {
			err := op(intruder.ID, view.ID)
			assert.ErrorIs(t, err, domain.ErrAccessDenied)
			assert.NotErrorIs(t, err, domain.ErrNotFound)
		})
		t.Run(name+" missing", func(t *testing.T) {
			err := op(owner.ID, 9999)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.NotErrorIs(t, err, domain.ErrAccessDenied)
		})
	}

	content, ok := f.notes.content(view.ID)
	require.True(t, ok)
	assert.Equal(t, "private", content)
}

func TestNoteService_CreatePublishesNoteAdded(t *testing.T) {
	f := newNoteFixture(t)
	u := f.users.add("alice")

	_, err := f.svc.Create(context.Background(), u.ID, &domain.CreateNoteRequest{Content: "buy milk"})
	require.NoError(t, err)

	events := f.events.published()
	require.Len(t, events, 1)
	assert.Equal(t, event.NoteAdded{OwnerID: u.ID, Username: "alice", Content: "buy milk"}, events[0])
	assert.Equal(t, "User alice added note: buy milk", events[0].Body())
}

func TestNoteService_UpdateAndDeletePublishNothing(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "a"})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr("b")})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, u.ID, view.ID))

	assert.Len(t, f.events.published(), 1)
}

func TestNoteService_CreateCommitFailure(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	listKey := cache.ListKey(u.ID, 0, 10)
	require.NoError(t, f.cache.Set(ctx, listKey, []byte("[]"), 0))
	f.notes.commitErr = errInjected

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "lost"})
	assert.ErrorIs(t, err, domain.ErrDurability)
	assert.Nil(t, view)

	assert.Zero(t, f.versions.appends)
	assert.Empty(t, f.events.published())
	assert.True(t, f.cached(t, listKey), "cache must not be touched when nothing was committed")
}

func TestNoteService_CreateHistoryFailureIsPartialSuccess(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	f.versions.appendErr = errInjected

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "kept"})
	assert.ErrorIs(t, err, domain.ErrPartialSuccess)
	require.NotNil(t, view)

	content, ok := f.notes.content(view.ID)
	require.True(t, ok)
	assert.Equal(t, "kept", content)
	assert.Len(t, f.events.published(), 1)

	f.versions.appendErr = nil
	history, err := f.svc.History(ctx, u.ID, view.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNoteService_PostCommitStepsSurviveCancellation(t *testing.T) {
	f := newNoteFixture(t)
	u := f.users.add("alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.notes.onCommit = cancel

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "racing"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.versions.count(view.ID))
	assert.Len(t, f.events.published(), 1)
}

func TestNoteService_UpdateHistoryFailureRollsBack(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "original"})
	require.NoError(t, err)

	f.versions.appendErr = errInjected
	_, err = f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr("changed")})
	assert.ErrorIs(t, err, domain.ErrHistoryWrite)

	content, _ := f.notes.content(view.ID)
	assert.Equal(t, "original", content)
	assert.Equal(t, 1, f.notes.rollbacks)

	f.versions.appendErr = nil
	f.versions.findErr = errInjected
	_, err = f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr("changed")})
	assert.ErrorIs(t, err, domain.ErrHistoryWrite)
	assert.Equal(t, 2, f.notes.rollbacks)
}

func TestNoteService_UpdateCommitFailureKeepsSnapshot(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "v1"})
	require.NoError(t, err)

	f.notes.commitErr = errInjected
	_, err = f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr("v2")})
	assert.ErrorIs(t, err, domain.ErrDurability)

	content, _ := f.notes.content(view.ID)
	assert.Equal(t, "v1", content)
	assert.Equal(t, 2, f.versions.count(view.ID))

	f.notes.commitErr = nil
	history, err := f.svc.History(ctx, u.ID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, historyContents(history))
}

func TestNoteService_EmptyUpdateIsNoop(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "stay"})
	require.NoError(t, err)
	appends := f.versions.appends

	got, err := f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "stay", got.Content)
	assert.Equal(t, appends, f.versions.appends)
}

func TestNoteService_UpdateWithoutHeadStartsNewRoot(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	f.notes.seed(&domain.Note{OwnerID: u.ID, Content: "imported"})

	_, err := f.svc.Update(ctx, u.ID, 1, domain.NoteUpdate{Content: strPtr("edited")})
	require.NoError(t, err)

	history, err := f.svc.History(ctx, u.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsRoot())
	assert.Equal(t, "edited", history[0].Content)
}

func TestNoteService_DeleteToleratesSnapshotFailure(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "doomed"})
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, u.ID, view.ID)
	require.NoError(t, err)

	f.versions.deleteErr = errInjected
	require.NoError(t, f.svc.Delete(ctx, u.ID, view.ID))

	_, ok := f.notes.content(view.ID)
	assert.False(t, ok)
	assert.False(t, f.cached(t, cache.NoteKey(u.ID, view.ID)))

	_, err = f.svc.Get(ctx, u.ID, view.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNoteService_MutationsInvalidateOnlyOwnerKeys(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	other := f.users.add("bob")

	mine, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "mine"})
	require.NoError(t, err)
	theirs, err := f.svc.Create(ctx, other.ID, &domain.CreateNoteRequest{Content: "theirs"})
	require.NoError(t, err)

	warm := func() {
		_, err := f.svc.Get(ctx, u.ID, mine.ID)
		require.NoError(t, err)
		_, err = f.svc.List(ctx, u.ID, 0, 10)
		require.NoError(t, err)
		_, err = f.svc.History(ctx, u.ID, mine.ID)
		require.NoError(t, err)
		_, err = f.svc.Get(ctx, other.ID, theirs.ID)
		require.NoError(t, err)
	}
	ownerKeys := []string{
		cache.NoteKey(u.ID, mine.ID),
		cache.ListKey(u.ID, 0, 10),
		cache.HistoryKey(u.ID, mine.ID),
	}

	mutations := map[string]func(){
		"create": func() {
			_, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "another"})
			require.NoError(t, err)
		},
		"update": func() {
			_, err := f.svc.Update(ctx, u.ID, mine.ID, domain.NoteUpdate{Content: strPtr("mine v2")})
			require.NoError(t, err)
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			warm()
			for _, k := range ownerKeys {
				require.True(t, f.cached(t, k), k)
			}

			mutate()

			for _, k := range ownerKeys {
				assert.False(t, f.cached(t, k), k)
			}
			assert.True(t, f.cached(t, cache.NoteKey(other.ID, theirs.ID)))
		})
	}
}

func TestNoteService_GetServesFromCache(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "cached"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, u.ID, view.ID)
	require.NoError(t, err)
	finds := f.notes.finds

	got, err := f.svc.Get(ctx, u.ID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Content)
	assert.Equal(t, finds, f.notes.finds)
}

func TestNoteService_CacheReadErrorIsMiss(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "fallback"})
	require.NoError(t, err)

	f.cache = brokenCache{Cache: f.cache}
	f.rebuild()

	got, err := f.svc.Get(ctx, u.ID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Content)

	notes, err := f.svc.List(ctx, u.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestNoteService_ListWindow(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	for i := 0; i < 15; i++ {
		_, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}

	notes, err := f.svc.List(ctx, u.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, notes, DefaultListLimit)
	assert.True(t, f.cached(t, cache.ListKey(u.ID, 0, DefaultListLimit)))

	notes, err = f.svc.List(ctx, u.ID, 10, 500)
	require.NoError(t, err)
	assert.Len(t, notes, 5)
	assert.Equal(t, "n10", notes[0].Content)
	assert.True(t, f.cached(t, cache.ListKey(u.ID, 10, MaxListLimit)))

	notes, err = f.svc.List(ctx, u.ID, -3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"n0", "n1"}, []string{notes[0].Content, notes[1].Content})
}

func TestNoteService_HistoryDetectsCorruption(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	f.notes.seed(&domain.Note{OwnerID: u.ID, Content: "head"})

	t.Run("cycle", func(t *testing.T) {
		f.versions.put(&domain.VersionSnapshot{ID: "a", NoteID: 1, Content: "head", ParentID: strPtr("b"), CreatedAt: epoch})
		f.versions.put(&domain.VersionSnapshot{ID: "b", NoteID: 1, Content: "older", ParentID: strPtr("a"), CreatedAt: epoch})

		_, err := f.svc.History(ctx, u.ID, 1)
		assert.ErrorIs(t, err, domain.ErrChainCorrupted)
	})

	t.Run("dangling parent", func(t *testing.T) {
		f.versions.put(&domain.VersionSnapshot{ID: "b", NoteID: 1, Content: "older", ParentID: strPtr("missing"), CreatedAt: epoch})

		_, err := f.svc.History(ctx, u.ID, 1)
		assert.ErrorIs(t, err, domain.ErrChainCorrupted)
	})

	assert.False(t, f.cached(t, cache.HistoryKey(u.ID, 1)))
}

func TestNoteService_HistoryExceedingDepth(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")

	view, err := f.svc.Create(ctx, u.ID, &domain.CreateNoteRequest{Content: "v0"})
	require.NoError(t, err)
	for i := 1; i <= 50; i++ {
		_, err := f.svc.Update(ctx, u.ID, view.ID, domain.NoteUpdate{Content: strPtr(fmt.Sprintf("v%d", i))})
		require.NoError(t, err)
	}

	_, err = f.svc.History(ctx, u.ID, view.ID)
	assert.ErrorIs(t, err, domain.ErrChainCorrupted)
}

func TestNoteService_HistoryWithoutHeadIsEmpty(t *testing.T) {
	f := newNoteFixture(t)
	ctx := context.Background()
	u := f.users.add("alice")
	f.notes.seed(&domain.Note{OwnerID: u.ID, Content: "imported"})

	history, err := f.svc.History(ctx, u.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNoteService_LiveFeedKeepsNoteContentWithOwner(t *testing.T) {
	f := newNoteFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := websocket.NewManager(zerolog.Nop(), websocket.Options{Topics: event.Topics()})
	go manager.Run(ctx)
	f.svc = NewNoteService(f.notes, f.users, f.versions, f.cache, event.NewPublisher(zerolog.Nop(), manager),
		NoteServiceConfig{CacheTTL: time.Minute, HistoryMaxDepth: 50}, zerolog.Nop())

	alice := f.users.add("alice")
	mallory := f.users.add("mallory")
	aliceFeed := websocket.NewClient("alice-tab", alice.ID, nil, manager, event.NotesTopic)
	malloryFeed := websocket.NewClient("mallory-tab", mallory.ID, nil, manager, event.NotesTopic)
	require.True(t, manager.Add(aliceFeed))
	require.True(t, manager.Add(malloryFeed))
	require.Eventually(t, func() bool { return manager.Subscribers(event.NotesTopic) == 2 }, time.Second, 10*time.Millisecond)

	view, err := f.svc.Create(ctx, alice.ID, &domain.CreateNoteRequest{Content: "my bank PIN is 4321"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, mallory.ID, view.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	select {
	case raw := <-aliceFeed.Send:
		assert.Contains(t, string(raw), "my bank PIN is 4321")
	case <-time.After(time.Second):
		t.Fatal("owner did not receive NoteAdded")
	}
	assert.Len(t, malloryFeed.Send, 0)
}
