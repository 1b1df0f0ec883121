package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"notes-server/internal/event"

	"github.com/rs/zerolog"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Options struct {
	Topics         []string
	MaxConnPerUser int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

// Manager tracks connected clients and their topic subscriptions. It also
// serves as an event sink: Send hands a message to the recipient's
// connections that subscribe to its topic.
type Manager struct {
	clients        map[string]*Client
	topicIndex     map[string]map[string]*Client
	userConns      map[int64]int
	allowed        map[string]struct{}
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	done           chan struct{}
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	log            zerolog.Logger
}

func NewManager(log zerolog.Logger, opts Options) *Manager {
	allowed := make(map[string]struct{}, len(opts.Topics))
	for _, t := range opts.Topics {
		allowed[t] = struct{}{}
	}

	return &Manager{
		clients:        make(map[string]*Client),
		topicIndex:     make(map[string]map[string]*Client),
		userConns:      make(map[int64]int),
		allowed:        allowed,
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		done:           make(chan struct{}),
		maxConnPerUser: opts.MaxConnPerUser,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: opts.MaxMessageSize,
		log:            log.With().Str("component", "websocket").Logger(),
	}
}

func (m *Manager) IsTopic(topic string) bool {
	_, ok := m.allowed[topic]
	return ok
}

// Run serves registrations and client messages until ctx is done, then
// disconnects every client. It must be called once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)

		case <-ctx.Done():
			m.closeAll()
			return
		}
	}
}

// Done is closed once Run has returned. Senders on Register, Unregister and
// HandleMessage select on it so they never block on a stopped manager.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Add registers client with the running manager. It reports false when the
// manager has stopped.
func (m *Manager) Add(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.maxConnPerUser > 0 && m.userConns[client.UserID] >= m.maxConnPerUser {
		m.log.Warn().Int64("user_id", client.UserID).Msg("max connections reached")
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userConns[client.UserID]++
	for topic := range client.topics {
		m.indexLocked(client, topic)
	}

	m.log.Info().Str("client_id", client.ID).Int64("user_id", client.UserID).Msg("client registered")
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return
	}

	delete(m.clients, client.ID)
	for topic := range client.topics {
		m.unindexLocked(client, topic)
	}
	if m.userConns[client.UserID]--; m.userConns[client.UserID] <= 0 {
		delete(m.userConns, client.UserID)
	}

	close(client.Send)
	m.log.Info().Str("client_id", client.ID).Msg("client unregistered")
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.topicIndex = make(map[string]map[string]*Client)
	m.userConns = make(map[int64]int)
}

func (m *Manager) indexLocked(client *Client, topic string) {
	client.topics[topic] = struct{}{}
	if m.topicIndex[topic] == nil {
		m.topicIndex[topic] = make(map[string]*Client)
	}
	m.topicIndex[topic][client.ID] = client
}

func (m *Manager) unindexLocked(client *Client, topic string) {
	delete(client.topics, topic)
	delete(m.topicIndex[topic], client.ID)
	if len(m.topicIndex[topic]) == 0 {
		delete(m.topicIndex, topic)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	client := clientMsg.Client

	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.log.Debug().Err(err).Str("client_id", client.ID).Msg("malformed client message")
		m.reply(client, TypeAck, &AckPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var payload SubscribePayload
		if err := msg.UnmarshalPayload(&payload); err != nil || !m.IsTopic(payload.Topic) {
			m.reply(client, TypeAck, &AckPayload{Topic: payload.Topic, Error: "unknown topic"})
			return
		}

		m.clientsMutex.Lock()
		if _, registered := m.clients[client.ID]; registered {
			if msg.Type == TypeSubscribe {
				m.indexLocked(client, payload.Topic)
			} else {
				m.unindexLocked(client, payload.Topic)
			}
		}
		m.clientsMutex.Unlock()

		m.reply(client, TypeAck, &AckPayload{Topic: payload.Topic, Success: true})

	case TypePing:
		m.reply(client, TypePong, nil)

	default:
		m.reply(client, TypeAck, &AckPayload{Error: fmt.Sprintf("unsupported message type %q", msg.Type)})
	}
}

func (m *Manager) reply(client *Client, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to build reply")
		return
	}
	bytes, err := json.Marshal(msg)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to encode reply")
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- bytes:
	default:
		m.log.Warn().Str("client_id", client.ID).Msg("send buffer full, reply dropped")
	}
}

// Send delivers msg to the recipient's clients subscribed to its topic.
// Messages without a recipient are not delivered. Slow clients whose buffer
// is full miss the message.
func (m *Manager) Send(ctx context.Context, msg event.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Recipient == 0 {
		m.log.Debug().Str("topic", msg.Topic).Msg("event has no recipient, not delivered")
		return nil
	}

	out, err := NewMessage(TypeEvent, &EventPayload{Topic: msg.Topic, Body: string(msg.Body)})
	if err != nil {
		return err
	}
	bytes, err := json.Marshal(out)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	for id, client := range m.topicIndex[msg.Topic] {
		if client.UserID != msg.Recipient {
			continue
		}
		select {
		case client.Send <- bytes:
		default:
			m.log.Warn().Str("client_id", id).Str("topic", msg.Topic).Msg("send buffer full, event dropped")
		}
	}
	return nil
}

func (m *Manager) Subscribers(topic string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.topicIndex[topic])
}

func (m *Manager) UserConnections(userID int64) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return m.userConns[userID]
}
