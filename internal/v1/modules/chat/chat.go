// Package chat implements the chat SignalingModule: per-room and
// per-group message history, capped at a bounded length the way the
// teacher's room package caps history with container/list.
package chat

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "chat"

const (
	maxHistoryLength = 100
	recentLimit      = 50
	minContentLen    = 1
	maxContentLen    = 1000
)

// Scope selects who a chat message is visible to.
type Scope string

const (
	ScopeRoom    Scope = "room"
	ScopeGroup   Scope = "group"
	ScopePrivate Scope = "private"
)

// SendMessage is the incoming "send" command.
type SendMessage struct {
	Scope   Scope              `json:"scope"`
	Target  types.ParticipantID `json:"target,omitempty"`
	Group   types.GroupID       `json:"group,omitempty"`
	Content string              `json:"content"`
}

// ClearHistory is the incoming moderator-only history-wipe command.
type ClearHistory struct{}

// Message is one stored/broadcast chat entry.
type Message struct {
	ID        string              `json:"id"`
	Source    types.ParticipantID `json:"source"`
	Scope     Scope               `json:"scope"`
	Target    types.ParticipantID `json:"target,omitempty"`
	Group     types.GroupID       `json:"group,omitempty"`
	Content   string              `json:"content"`
	Timestamp time.Time           `json:"timestamp"`
}

// MessageSent is the outgoing broadcast of one message.
type MessageSent struct {
	Message Message `json:"message"`
}

// HistoryCleared is the outgoing notification that history was wiped.
type HistoryCleared struct{}

// ErrorMsg is the outgoing error shape for this namespace.
type ErrorMsg struct {
	Error string `json:"error"`
}

// history is process-local, shared across every connection's Module
// instance for the same room (keyed by room id), since chat history in
// this build lives for the room's process lifetime rather than in the
// KVS — kept as an in-memory container with a capped list,
// generalized from one room's memory to a registry of rooms.
type history struct {
	mu   sync.Mutex
	msgs *list.List
}

var (
	registryMu sync.Mutex
	registry   = map[string]*history{}
)

func historyFor(room types.SignalingRoomID) *history {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := room.String()
	h, ok := registry[key]
	if !ok {
		h = &history{msgs: list.New()}
		registry[key] = h
	}
	return h
}

func dropHistory(room types.SignalingRoomID) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, room.String())
}

// Module implements module.SignalingModule.
type Module struct {
	history *history
	seq     int
}

// New is this module's Factory.
func New() module.SignalingModule { return &Module{} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) {
	m.history = historyFor(ctx.Room)
	return m, nil
}

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	switch event.Kind {
	case module.EventJoined:
		ctx.Send(Namespace, m.recent())
	case module.EventWsMessage:
		return m.onMessage(ctx, event.Raw)
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if destroyRoom {
		dropHistory(ctx.Room)
	}
}

type incoming struct {
	Action string `json:"action"`
}

func (m *Module) onMessage(ctx *module.Context, raw json.RawMessage) error {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return &types.ModuleError{Kind: types.ErrBadRequest, Detail: "malformed chat message"}
	}

	switch in.Action {
	case "send_message":
		var send SendMessage
		if err := json.Unmarshal(raw, &send); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest, Detail: "malformed send_message"}
		}
		return m.send(ctx, send)
	case "clear_history":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		m.clear(ctx)
		return nil
	}
	return nil
}

func (m *Module) send(ctx *module.Context, send SendMessage) error {
	if len(send.Content) < minContentLen || len(send.Content) > maxContentLen {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrBadRequest)})
		return nil
	}

	m.seq++
	msg := Message{
		ID:        fmt.Sprintf("%s-%d", ctx.ParticipantID, m.seq),
		Source:    ctx.ParticipantID,
		Scope:     send.Scope,
		Target:    send.Target,
		Group:     send.Group,
		Content:   send.Content,
		Timestamp: ctx.Timestamp,
	}

	m.history.mu.Lock()
	m.history.msgs.PushBack(msg)
	for m.history.msgs.Len() > maxHistoryLength {
		m.history.msgs.Remove(m.history.msgs.Front())
	}
	m.history.mu.Unlock()

	routingKey := types.RoutingKeyAll(ctx.Room)
	if send.Scope == Scope(ScopePrivate) && send.Target != "" {
		routingKey = types.RoutingKeyParticipant(ctx.Room, send.Target)
	} else if send.Scope == ScopeGroup && send.Group != "" {
		routingKey = types.RoutingKeyTopic(ctx.Room, Namespace, string(send.Group))
	}

	return ctx.Publish(routingKey, "message_sent", MessageSent{Message: msg})
}

func (m *Module) clear(ctx *module.Context) {
	m.history.mu.Lock()
	m.history.msgs.Init()
	m.history.mu.Unlock()
	_ = ctx.Publish(types.RoutingKeyAll(ctx.Room), "history_cleared", HistoryCleared{})
}

func (m *Module) recent() []Message {
	m.history.mu.Lock()
	defer m.history.mu.Unlock()

	all := make([]Message, 0, m.history.msgs.Len())
	for e := m.history.msgs.Front(); e != nil; e = e.Next() {
		if msg, ok := e.Value.(Message); ok {
			all = append(all, msg)
		}
	}
	if len(all) > recentLimit {
		all = all[len(all)-recentLimit:]
	}
	return all
}
