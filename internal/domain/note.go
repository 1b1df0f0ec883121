package domain

type Note struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	Content string `json:"content"`
}

// NoteUpdate carries only the fields the caller wants changed.
type NoteUpdate struct {
	Content *string `json:"content" validate:"omitempty,min=1,max=10000"`
}

// Apply writes every present field onto note and reports whether anything changed.
func (u NoteUpdate) Apply(note *Note) bool {
	changed := false
	if u.Content != nil && *u.Content != note.Content {
		note.Content = *u.Content
		changed = true
	}
	return changed
}

func (u NoteUpdate) IsEmpty() bool {
	return u.Content == nil
}

type CreateNoteRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

type NoteView struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

func NewNoteView(note *Note) NoteView {
	return NoteView{
		ID:      note.ID,
		Content: note.Content,
	}
}
