package cache

import (
	"fmt"
	"strings"
)

const (
	Separator = ":"
	Wildcard  = "*"

	NotesDomain   = "notes"
	HistorySuffix = "history"
)

// Join builds a composite key from ordered parts, skipping empty ones.
func Join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, Separator)
}

func ownerPart(ownerID int64) string {
	return fmt.Sprintf("owner_id=%d", ownerID)
}

func NoteKey(ownerID, noteID int64) string {
	return Join(NotesDomain, ownerPart(ownerID), fmt.Sprintf("note_id=%d", noteID))
}

func ListKey(ownerID int64, skip, limit int) string {
	return Join(NotesDomain, ownerPart(ownerID), fmt.Sprintf("skip=%d", skip), fmt.Sprintf("limit=%d", limit))
}

func HistoryKey(ownerID, noteID int64) string {
	return Join(NoteKey(ownerID, noteID), HistorySuffix)
}

// OwnerPattern matches every notes key scoped to ownerID.
func OwnerPattern(ownerID int64) string {
	return Join(NotesDomain, ownerPart(ownerID), Wildcard)
}
