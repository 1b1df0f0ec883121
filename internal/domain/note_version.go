package domain

import "time"

// VersionSnapshot is one immutable entry in a note's edit history.
// ParentID points at the snapshot it replaced; nil marks the root.
type VersionSnapshot struct {
	ID        string    `json:"id"`
	NoteID    int64     `json:"note_id"`
	Content   string    `json:"content"`
	OwnerID   int64     `json:"owner_id"`
	ParentID  *string   `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewVersionSnapshot(note *Note) *VersionSnapshot {
	return &VersionSnapshot{
		NoteID:  note.ID,
		Content: note.Content,
		OwnerID: note.OwnerID,
	}
}

func (s *VersionSnapshot) IsRoot() bool {
	return s.ParentID == nil
}
