package event

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

const (
	NotesTopic = "notes_events_topic"
	UsersTopic = "users_events_topic"
)

// Event is a domain notification emitted once a mutation is durable.
// The set is closed: only types in this package implement it.
type Event interface {
	Name() string
	Body() string
	// Recipient is the user the event is about. Per-user transports deliver
	// it to that user only.
	Recipient() int64
	isEvent()
}

type NoteAdded struct {
	OwnerID  int64
	Username string
	Content  string
}

func (NoteAdded) Name() string { return "NoteAdded" }

func (e NoteAdded) Recipient() int64 { return e.OwnerID }

func (e NoteAdded) Body() string {
	return fmt.Sprintf("User %s added note: %s", e.Username, e.Content)
}

func (NoteAdded) isEvent() {}

type UserCreated struct {
	UserID   int64
	Username string
	Email    string
}

func (UserCreated) Name() string { return "UserCreated" }

func (e UserCreated) Recipient() int64 { return e.UserID }

func (e UserCreated) Body() string {
	return fmt.Sprintf("User %s created an account", e.Username)
}

func (UserCreated) isEvent() {}

var topics = map[string]string{
	NoteAdded{}.Name():   NotesTopic,
	UserCreated{}.Name(): UsersTopic,
}

func TopicFor(evt Event) (string, bool) {
	if evt == nil {
		return "", false
	}
	topic, ok := topics[evt.Name()]
	return topic, ok
}

// Topics lists every topic an event can be routed to.
func Topics() []string {
	all := lo.Uniq(lo.Values(topics))
	sort.Strings(all)
	return all
}

func IsTopic(topic string) bool {
	return lo.Contains(Topics(), topic)
}
