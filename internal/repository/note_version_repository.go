package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"notes-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
)

const (
	snapshotDocType  = "note_snapshot"
	snapshotPageSize = 200
	indexDesignDoc   = "snapshots"
	indexName        = "by_note_identity"
)

// VersionChainStore keeps the append-only snapshot history of every note.
type VersionChainStore interface {
	Append(ctx context.Context, snapshot *domain.VersionSnapshot, parentID *string) (string, error)
	FindByIdentity(ctx context.Context, noteID int64, content string) (*domain.VersionSnapshot, error)
	WalkChainFrom(ctx context.Context, head *domain.VersionSnapshot, maxDepth int) ([]*domain.VersionSnapshot, error)
	DeleteAll(ctx context.Context, noteID int64) (int, error)
}

type snapshotDoc struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Type      string    `json:"type"`
	NoteID    int64     `json:"note_id"`
	Content   string    `json:"content"`
	OwnerID   int64     `json:"owner_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *snapshotDoc) toDomain() *domain.VersionSnapshot {
	return &domain.VersionSnapshot{
		ID:        d.ID,
		NoteID:    d.NoteID,
		Content:   d.Content,
		OwnerID:   d.OwnerID,
		ParentID:  d.ParentID,
		CreatedAt: d.CreatedAt,
	}
}

type versionChainStore struct {
	client *kivik.Client
	dbName string
}

func NewVersionChainStore(client *kivik.Client, dbName string) VersionChainStore {
	return &versionChainStore{
		client: client,
		dbName: dbName,
	}
}

// EnsureIndexes creates the snapshot database and its Mango index if missing.
func EnsureIndexes(ctx context.Context, client *kivik.Client, dbName string) error {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	index := map[string]interface{}{
		"fields": []string{"type", "note_id", "content"},
	}
	if err := client.DB(dbName).CreateIndex(ctx, indexDesignDoc, indexName, index); err != nil {
		return fmt.Errorf("failed to create snapshot index: %w", err)
	}

	return nil
}

func (r *versionChainStore) Append(ctx context.Context, snapshot *domain.VersionSnapshot, parentID *string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate snapshot id: %w", err)
	}

	doc := &snapshotDoc{
		ID:        fmt.Sprintf("snapshot:%s", id),
		Type:      snapshotDocType,
		NoteID:    snapshot.NoteID,
		Content:   snapshot.Content,
		OwnerID:   snapshot.OwnerID,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := r.client.DB(r.dbName).Put(ctx, doc.ID, doc); err != nil {
		return "", fmt.Errorf("failed to append snapshot: %w", err)
	}

	snapshot.ID = doc.ID
	snapshot.ParentID = parentID
	snapshot.CreatedAt = doc.CreatedAt
	return doc.ID, nil
}

func (r *versionChainStore) FindByIdentity(ctx context.Context, noteID int64, content string) (*domain.VersionSnapshot, error) {
	docs, err := r.findAll(ctx, map[string]interface{}{
		"type":    snapshotDocType,
		"note_id": noteID,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshot by identity: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	matches := make([]*domain.VersionSnapshot, len(docs))
	for i := range docs {
		matches[i] = docs[i].toDomain()
	}
	return MostRecent(matches), nil
}

func (r *versionChainStore) WalkChainFrom(ctx context.Context, head *domain.VersionSnapshot, maxDepth int) ([]*domain.VersionSnapshot, error) {
	return WalkChain(ctx, head, maxDepth, r.get)
}

func (r *versionChainStore) DeleteAll(ctx context.Context, noteID int64) (int, error) {
	docs, err := r.findAll(ctx, map[string]interface{}{
		"type":    snapshotDocType,
		"note_id": noteID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots for deletion: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	tombstones := make([]interface{}, len(docs))
	for i, d := range docs {
		tombstones[i] = map[string]interface{}{
			"_id":      d.ID,
			"_rev":     d.Rev,
			"_deleted": true,
		}
	}

	results, err := r.client.DB(r.dbName).BulkDocs(ctx, tombstones)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}

	deleted := 0
	var firstErr error
	for _, res := range results {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		deleted++
	}
	if firstErr != nil {
		return deleted, fmt.Errorf("failed to delete %d of %d snapshots: %w", len(docs)-deleted, len(docs), firstErr)
	}

	return deleted, nil
}

func (r *versionChainStore) get(ctx context.Context, id string) (*domain.VersionSnapshot, error) {
	var doc snapshotDoc
	if err := r.client.DB(r.dbName).Get(ctx, id).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return doc.toDomain(), nil
}

// findAll pages through a Mango query with bookmarks; CouchDB caps a single
// _find response at the requested limit.
func (r *versionChainStore) findAll(ctx context.Context, selector map[string]interface{}) ([]snapshotDoc, error) {
	db := r.client.DB(r.dbName)

	var docs []snapshotDoc
	bookmark := ""
	for {
		query := map[string]interface{}{
			"selector": selector,
			"limit":    snapshotPageSize,
		}
		if bookmark != "" {
			query["bookmark"] = bookmark
		}

		rows := db.Find(ctx, query)
		page := 0
		for rows.Next() {
			var doc snapshotDoc
			if err := rows.ScanDoc(&doc); err != nil {
				rows.Close()
				return nil, err
			}
			docs = append(docs, doc)
			page++
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		meta, err := rows.Metadata()
		rows.Close()
		if err != nil {
			return nil, err
		}

		if page < snapshotPageSize || meta.Bookmark == "" {
			return docs, nil
		}
		bookmark = meta.Bookmark
	}
}
