package repository

import (
	"context"
	"errors"
	"fmt"

	"notes-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTxFinished = errors.New("transaction already finished")

type NoteRepository interface {
	Begin(ctx context.Context) (NoteTx, error)
	FindByID(ctx context.Context, id int64) (*domain.Note, error)
	ListByOwner(ctx context.Context, ownerID int64, skip, limit int) ([]*domain.Note, error)
}

// NoteTx is a request-scoped unit of work on the notes table. Nothing it
// writes is visible to other requests until Commit succeeds. Rollback after
// Commit is refused with ErrTxFinished.
type NoteTx interface {
	Insert(ctx context.Context, note *domain.Note) error
	FindByID(ctx context.Context, id int64) (*domain.Note, error)
	Update(ctx context.Context, note *domain.Note) error
	Delete(ctx context.Context, id int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type noteRepository struct {
	pool *pgxpool.Pool
}

func NewNoteRepository(pool *pgxpool.Pool) NoteRepository {
	return &noteRepository{pool: pool}
}

func (r *noteRepository) Begin(ctx context.Context) (NoteTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin note transaction: %w", err)
	}
	return &noteTx{tx: tx}, nil
}

func (r *noteRepository) FindByID(ctx context.Context, id int64) (*domain.Note, error) {
	return findNote(ctx, r.pool, id)
}

func (r *noteRepository) ListByOwner(ctx context.Context, ownerID int64, skip, limit int) ([]*domain.Note, error) {
	query := `SELECT id, owner_id, content FROM notes WHERE owner_id = $1 ORDER BY id OFFSET $2 LIMIT $3`

	rows, err := r.pool.Query(ctx, query, ownerID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Note, error) {
		var n domain.Note
		err := row.Scan(&n.ID, &n.OwnerID, &n.Content)
		return &n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan notes: %w", err)
	}

	return notes, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findNote(ctx context.Context, q querier, id int64) (*domain.Note, error) {
	var note domain.Note
	err := q.QueryRow(ctx, `SELECT id, owner_id, content FROM notes WHERE id = $1`, id).
		Scan(&note.ID, &note.OwnerID, &note.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find note: %w", err)
	}
	return &note, nil
}

type noteTx struct {
	tx       pgx.Tx
	finished bool
}

func (t *noteTx) Insert(ctx context.Context, note *domain.Note) error {
	query := `INSERT INTO notes (owner_id, content) VALUES ($1, $2) RETURNING id`
	if err := t.tx.QueryRow(ctx, query, note.OwnerID, note.Content).Scan(&note.ID); err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

func (t *noteTx) FindByID(ctx context.Context, id int64) (*domain.Note, error) {
	return findNote(ctx, t.tx, id)
}

func (t *noteTx) Update(ctx context.Context, note *domain.Note) error {
	tag, err := t.tx.Exec(ctx, `UPDATE notes SET content = $1 WHERE id = $2`, note.Content, note.ID)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("note %d: %w", note.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *noteTx) Delete(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *noteTx) Commit(ctx context.Context) error {
	if t.finished {
		return ErrTxFinished
	}
	// pgx closes the transaction whether or not the commit succeeds.
	t.finished = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit note transaction: %w", err)
	}
	return nil
}

func (t *noteTx) Rollback(ctx context.Context) error {
	if t.finished {
		return ErrTxFinished
	}
	t.finished = true
	if err := t.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to rollback note transaction: %w", err)
	}
	return nil
}
