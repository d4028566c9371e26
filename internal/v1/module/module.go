// Package module defines the pluggable SignalingModule contract every
// per-connection feature (automod, legal-vote, media, chat, poll, timer,
// whiteboard, protocol) implements, and the registry the runner uses to
// dispatch events to a connection's module stack in namespace order.
package module

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"k8s.io/utils/clock"
)

// EventKind discriminates the union Event below.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeaving
	EventRaiseHand
	EventLowerHand
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventWsMessage
	EventInterProcess
	EventExt
)

// Event is the union of everything the runner can route to a module.
// Exactly the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventJoined
	Peers map[types.ParticipantID]json.RawMessage // in: other participants' existing frontend data for this module; out: this module fills in its own view where absent

	// EventParticipantJoined / EventParticipantLeft / EventParticipantUpdated
	Participant types.ParticipantID

	// EventWsMessage
	Raw json.RawMessage

	// EventInterProcess
	Bus types.BusMessage

	// EventExt
	Ext any
}

// Context is the scoped handle passed to every on_event/init/on_destroy
// call. It is built fresh per dispatch so a module can never hold a stale
// room/participant reference across events.
type Context struct {
	ctx           context.Context
	ParticipantID types.ParticipantID
	Role          types.Role
	Room          types.SignalingRoomID
	Timestamp     time.Time
	KVS           kvs.Store
	Bus           types.BusService

	outgoing   *[]OutgoingFrame
	extStreams *[]<-chan any
}

// OutgoingFrame is one WebSocket frame a module asked the runner to send
// to its own client.
type OutgoingFrame struct {
	Namespace string
	Payload   any
	At        time.Time
}

// NewContext builds a dispatch context. outgoing and extStreams are
// runner-owned slices the module's calls append to; the runner drains
// them after on_event returns.
func NewContext(ctx context.Context, participant types.ParticipantID, role types.Role, room types.SignalingRoomID, kv kvs.Store, bus types.BusService, outgoing *[]OutgoingFrame, extStreams *[]<-chan any) *Context {
	return &Context{
		ctx: ctx, ParticipantID: participant, Role: role, Room: room,
		Timestamp: time.Now(), KVS: kv, Bus: bus,
		outgoing: outgoing, extStreams: extStreams,
	}
}

// Deadline/Done/Err/Value satisfy context.Context so a module can pass
// *Context straight to any API that takes one.
func (c *Context) Deadline() (time.Time, bool)   { return c.ctx.Deadline() }
func (c *Context) Done() <-chan struct{}         { return c.ctx.Done() }
func (c *Context) Err() error                    { return c.ctx.Err() }
func (c *Context) Value(key any) any             { return c.ctx.Value(key) }

// Send enqueues an outgoing WebSocket frame under namespace for this
// connection's own client.
func (c *Context) Send(namespace string, payload any) {
	*c.outgoing = append(*c.outgoing, OutgoingFrame{Namespace: namespace, Payload: payload, At: c.Timestamp})
}

// SendAt is Send with an explicit override timestamp.
func (c *Context) SendAt(namespace string, payload any, at time.Time) {
	*c.outgoing = append(*c.outgoing, OutgoingFrame{Namespace: namespace, Payload: payload, At: at})
}

// Publish fans payload out on BUS under routingKey for this room.
func (c *Context) Publish(routingKey, event string, payload any) error {
	if c.Bus == nil {
		return nil
	}
	return c.Bus.Publish(c.ctx, c.Room, routingKey, event, payload)
}

// RegisterExtStream registers an async event source the runner's main
// select loop polls; each value delivered is surfaced back to this module
// as an EventExt event.
func (c *Context) RegisterExtStream(ch <-chan any) {
	*c.extStreams = append(*c.extStreams, ch)
}

// RegisterExpiryTimer arms a one-shot timer on clk and registers it as an
// ext stream: once d elapses, this module's OnEvent receives an EventExt
// whose Ext field is payload. Used by modules that schedule vote/automod/
// poll/timer expiries instead of polling wall-clock time themselves.
func (c *Context) RegisterExpiryTimer(clk clock.Clock, d time.Duration, payload any) {
	fired := clk.After(d)
	bridge := make(chan any, 1)
	go func() {
		<-fired
		bridge <- payload
		close(bridge)
	}()
	c.RegisterExtStream(bridge)
}

// SignalingModule is the contract every pluggable feature implements.
// Params/Incoming/Outgoing/etc. from the distilled spec are realized as
// opaque `any` payloads the module itself type-asserts, since Go has no
// associated-type mechanism; NAMESPACE is the compile-time dispatch key.
type SignalingModule interface {
	// Namespace returns this module's unique dispatch key.
	Namespace() string

	// Init is called once per connection on join. Returning (nil, nil)
	// disables the module for this connection (e.g. a feature flag).
	Init(ctx *Context) (SignalingModule, error)

	// OnEvent handles one runtime event. A non-nil *types.ModuleError
	// with Fatal set aborts the connection after on_destroy runs for
	// every module.
	OnEvent(ctx *Context, event Event) error

	// OnDestroy runs once before the runner exits. destroyRoom is true
	// only for the participant whose leave emptied the room, letting the
	// module clear its room-scoped KVS keys exactly once.
	OnDestroy(ctx *Context, destroyRoom bool)
}

// Factory constructs a fresh module instance for a new connection. The
// registry holds one Factory per namespace rather than long-lived module
// instances, since each connection gets its own.
type Factory func() SignalingModule

// Registry is the fixed, compile-time set of modules a connection may
// load, indexed by namespace for O(1) dispatch.
type Registry struct {
	order     []string
	factories map[string]Factory
}

// NewRegistry builds a registry from an ordered list of factories. Order
// matters: modules run in this order for every dispatched event.
func NewRegistry(factories map[string]Factory, order []string) *Registry {
	return &Registry{order: order, factories: factories}
}

// Namespaces returns the dispatch order.
func (r *Registry) Namespaces() []string { return r.order }

// New constructs one fresh instance of every registered module.
func (r *Registry) New() []SignalingModule {
	out := make([]SignalingModule, 0, len(r.order))
	for _, ns := range r.order {
		out = append(out, r.factories[ns]())
	}
	return out
}
