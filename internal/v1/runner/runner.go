package runner

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/bus"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/logging"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/metrics"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/room"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// fixed reflect.Select slots; dynamically-registered ext-stream channels
// are appended after these three on every loop iteration.
const (
	selectDone = iota
	selectFrame
	selectBus
	selectExtBase
)

// JoinInfo is the join-time identity a new connection presents, resolved
// from the bearer token before the runner ever touches room state.
type JoinInfo struct {
	DisplayName types.DisplayName
	Kind        types.ParticipantKind
	UserID      types.UserID
	AvatarURL   string
}

// Runner drives one connection's entire lifecycle: join, every inbound
// frame/BUS delivery/ext-stream value until disconnect, then leave.
type Runner struct {
	conn     *Conn
	registry *module.Registry
	kvs      kvs.Store
	bus      types.BusService
	room     *room.State
	join     JoinInfo

	modules []module.SignalingModule
	nsIndex map[string]int

	extStreamsRaw []<-chan any
	extOwners     []int

	busCh       chan types.BusMessage
	unsubscribe func()
}

// New builds a Runner for one freshly-accepted connection.
func New(conn *Conn, registry *module.Registry, store kvs.Store, busService types.BusService, roomState *room.State, joinInfo JoinInfo) *Runner {
	return &Runner{
		conn:     conn,
		registry: registry,
		kvs:      store,
		bus:      busService,
		room:     roomState,
		join:     joinInfo,
		busCh:    make(chan types.BusMessage, sendBufferSize),
	}
}

// Run blocks for the connection's entire lifetime: it starts the
// WebSocket pumps, runs every module's Init, performs the join sequence,
// dispatches events until disconnect, then performs the leave sequence
// and every module's OnDestroy. It never returns an error; failures are
// logged and surfaced to the client, and always end in a clean teardown.
func (r *Runner) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metrics.IncConnection()
	go r.conn.readPump()
	go r.conn.writePump()

	log := logging.GetLogger().With(
		zap.String("participant_id", string(r.conn.ParticipantID())),
		zap.String("room", r.room.Room().String()),
	)

	if !r.initModules(ctx) {
		r.teardown(ctx, false)
		return
	}

	if err := r.doJoin(ctx); err != nil {
		log.Error("runner: join failed", zap.Error(err))
		r.teardown(ctx, false)
		return
	}

	if unsub, err := r.bus.Subscribe(ctx, r.room.Room(), r.onBusDelivery); err != nil {
		log.Warn("runner: bus subscribe failed", zap.Error(err))
	} else {
		r.unsubscribe = unsub
	}

	r.loop(ctx)

	destroyRoom := r.doLeave(ctx)
	r.teardown(ctx, destroyRoom)
	log.Info("runner: connection closed", zap.Bool("destroyed_room", destroyRoom))
}

// initModules constructs and initializes every registered module in
// namespace order. A module returning (nil, nil) from Init disables
// itself for this connection; a non-nil error aborts the connection
// before it ever joins the room.
func (r *Runner) initModules(ctx context.Context) bool {
	r.modules = r.registry.New()
	namespaces := r.registry.Namespaces()
	r.nsIndex = make(map[string]int, len(namespaces))
	for i, ns := range namespaces {
		r.nsIndex[ns] = i
	}

	for i, m := range r.modules {
		var outgoing []module.OutgoingFrame
		mctx := r.newContext(ctx, &outgoing)
		initialized, err := m.Init(mctx)
		r.recordExtOwnership(i)
		r.flush(outgoing)
		if err != nil {
			logging.GetLogger().Error("runner: module init failed",
				zap.String("namespace", m.Namespace()), zap.Error(err))
			return false
		}
		r.modules[i] = initialized
	}
	return true
}

func (r *Runner) newContext(ctx context.Context, outgoing *[]module.OutgoingFrame) *module.Context {
	return module.NewContext(ctx, r.conn.ParticipantID(), r.conn.Role(), r.room.Room(), r.kvs, r.bus, outgoing, &r.extStreamsRaw)
}

// recordExtOwnership attributes every ext-stream channel a module
// registered during the call just completed (there may be zero, one, or
// several) to moduleIdx, so the select loop knows which module's OnEvent
// to call when one of them delivers a value.
func (r *Runner) recordExtOwnership(moduleIdx int) {
	for len(r.extOwners) < len(r.extStreamsRaw) {
		r.extOwners = append(r.extOwners, moduleIdx)
	}
}

// doJoin runs the join sequence: add the participant to shared room
// state under the participants lock, snapshot every current
// participant's attributes, dispatch EventJoined to every module (each
// one privately sends its own frontend data via ctx.Send), then send the
// composite roster and announce the join to every other connection.
func (r *Runner) doJoin(ctx context.Context) error {
	attrs := types.Attributes{
		DisplayName: r.join.DisplayName,
		Role:        r.conn.Role(),
		JoinedAt:    time.Now(),
		Kind:        r.join.Kind,
		AvatarURL:   r.join.AvatarURL,
		UserID:      r.join.UserID,
	}

	var snapshot map[types.ParticipantID]types.Attributes
	err := r.room.WithParticipantsLock(ctx, func(ctx context.Context) error {
		if err := r.room.Join(ctx, r.conn.ParticipantID(), attrs); err != nil {
			return err
		}
		snap, err := r.room.AllAttributes(ctx)
		if err != nil {
			return err
		}
		snapshot = snap
		return nil
	})
	if err != nil {
		return err
	}

	if fatal := r.dispatchAll(ctx, module.Event{Kind: module.EventJoined}); fatal {
		return errors.New("a module fatally rejected the join")
	}

	if err := r.conn.SendEnvelope("control", joinedMessage{
		ParticipantID: r.conn.ParticipantID(),
		Participants:  snapshot,
	}); err != nil {
		logging.GetLogger().Warn("runner: send joined roster failed", zap.Error(err))
	}

	if err := r.bus.Publish(ctx, r.room.Room(), types.RoutingKeyAll(r.room.Room()), "participant_joined",
		participantJoinedPayload{Participant: r.conn.ParticipantID(), Attributes: attrs}); err != nil {
		logging.GetLogger().Warn("runner: announce join failed", zap.Error(err))
	}
	return nil
}

// doLeave runs the leave sequence: dispatch EventLeaving, announce the
// departure, then remove the participant from shared room state and
// destroy the room if that leave emptied it. Returns whether the room
// was destroyed.
func (r *Runner) doLeave(ctx context.Context) bool {
	r.dispatchAll(ctx, module.Event{Kind: module.EventLeaving})

	if err := r.bus.Publish(ctx, r.room.Room(), types.RoutingKeyAll(r.room.Room()), "participant_left",
		participantLeftPayload{Participant: r.conn.ParticipantID()}); err != nil {
		logging.GetLogger().Warn("runner: announce leave failed", zap.Error(err))
	}

	var destroyRoom bool
	err := r.room.WithParticipantsLock(ctx, func(ctx context.Context) error {
		if err := r.room.Leave(ctx, r.conn.ParticipantID()); err != nil {
			return err
		}
		empty, err := r.room.IsEmpty(ctx)
		if err != nil {
			return err
		}
		destroyRoom = empty
		if empty {
			return r.room.Destroy(ctx)
		}
		return nil
	})
	if err != nil {
		logging.GetLogger().Error("runner: leave failed", zap.Error(err))
		return false
	}
	return destroyRoom
}

// loop is the connection's main multiplexer: a reflect.Select over the
// inbound-frame channel, the BUS delivery channel, and every
// module-registered ext-stream channel. The case set is rebuilt every
// iteration since modules can call RegisterExtStream at any dispatch.
func (r *Runner) loop(ctx context.Context) {
	for {
		cases := r.buildSelectCases(ctx)
		chosen, recv, recvOK := reflect.Select(cases)

		switch {
		case chosen == selectDone:
			return
		case chosen == selectFrame:
			if !recvOK {
				return
			}
			if fatal := r.handleFrame(ctx, recv.Bytes()); fatal {
				return
			}
		case chosen == selectBus:
			if !recvOK {
				return
			}
			msg, _ := recv.Interface().(types.BusMessage)
			if fatal := r.handleBusDelivery(ctx, msg); fatal {
				return
			}
		default:
			idx := chosen - selectExtBase
			if !recvOK {
				r.removeExtStream(idx)
				continue
			}
			owner := r.extOwners[idx]
			if fatal := r.dispatchOne(ctx, owner, module.Event{Kind: module.EventExt, Ext: recv.Interface()}); fatal {
				return
			}
		}
	}
}

func (r *Runner) buildSelectCases(ctx context.Context) []reflect.SelectCase {
	cases := make([]reflect.SelectCase, 0, selectExtBase+len(r.extStreamsRaw))
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.conn.Frames())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.busCh)},
	)
	for _, ch := range r.extStreamsRaw {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	return cases
}

// removeExtStream drops a closed ext-stream channel so the loop stops
// selecting on it; order is preserved so extOwners indices stay aligned.
func (r *Runner) removeExtStream(idx int) {
	r.extStreamsRaw = append(r.extStreamsRaw[:idx], r.extStreamsRaw[idx+1:]...)
	r.extOwners = append(r.extOwners[:idx], r.extOwners[idx+1:]...)
}

// onBusDelivery is the BUS subscription handler; it runs on the bus
// package's own delivery goroutine, so it only forwards into busCh for
// the select loop to process on the runner's own goroutine.
func (r *Runner) onBusDelivery(msg types.BusMessage) {
	if !bus.MatchesRoutingKey(msg.RoutingKey, r.room.Room(), r.conn.ParticipantID()) {
		return
	}
	select {
	case r.busCh <- msg:
	default:
		logging.GetLogger().Warn("runner: bus delivery dropped, consumer not keeping up",
			zap.String("participant_id", string(r.conn.ParticipantID())))
	}
}

// controlNamespace is the runner's own reserved namespace: it is never a
// registered module, so it can carry the joined roster, module errors,
// and the two room-wide commands (raise_hand/lower_hand) that belong to
// shared room state rather than any one module.
const controlNamespace = "control"

type controlCommand struct {
	Action string `json:"action"`
}

// handleFrame decodes one inbound envelope and routes it either to the
// reserved control namespace or to the one module whose namespace
// matches; an unknown or disabled namespace is answered with a
// bad_request error rather than silently dropped.
func (r *Runner) handleFrame(ctx context.Context, raw []byte) bool {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = r.conn.SendEnvelope(controlNamespace, types.NewModuleError(types.ErrBadRequest, "malformed envelope"))
		return false
	}

	if env.Namespace == controlNamespace {
		return r.handleControlCommand(ctx, env.Payload)
	}

	idx, ok := r.nsIndex[env.Namespace]
	if !ok || r.modules[idx] == nil {
		_ = r.conn.SendEnvelope(controlNamespace, types.NewModuleError(types.ErrBadRequest, "unknown namespace "+env.Namespace))
		return false
	}
	return r.dispatchOne(ctx, idx, module.Event{Kind: module.EventWsMessage, Raw: env.Payload})
}

// handleControlCommand implements the two room-wide commands that are
// not scoped to any single module: raise_hand and lower_hand update
// shared room state directly, then fan the typed event out to every
// module (e.g. a queue-aware automod could act on it) and announce the
// attribute change over BUS.
func (r *Runner) handleControlCommand(ctx context.Context, raw json.RawMessage) bool {
	var cmd controlCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		_ = r.conn.SendEnvelope(controlNamespace, types.NewModuleError(types.ErrBadRequest, "malformed control command"))
		return false
	}

	switch cmd.Action {
	case "raise_hand":
		return r.setHandRaised(ctx, true)
	case "lower_hand":
		return r.setHandRaised(ctx, false)
	default:
		_ = r.conn.SendEnvelope(controlNamespace, types.NewModuleError(types.ErrBadRequest, "unknown control action "+cmd.Action))
		return false
	}
}

func (r *Runner) setHandRaised(ctx context.Context, raised bool) bool {
	if err := r.room.SetHandRaised(ctx, r.conn.ParticipantID(), raised); err != nil {
		logging.GetLogger().Error("runner: set hand raised failed", zap.Error(err))
		_ = r.conn.SendEnvelope(controlNamespace, types.NewModuleError(types.ErrInternal, ""))
		return false
	}

	kind := module.EventLowerHand
	if raised {
		kind = module.EventRaiseHand
	}
	fatal := r.dispatchAll(ctx, module.Event{Kind: kind})

	if err := r.bus.Publish(ctx, r.room.Room(), types.RoutingKeyAll(r.room.Room()), "participant_updated",
		participantUpdatedPayload{Participant: r.conn.ParticipantID()}); err != nil {
		logging.GetLogger().Warn("runner: announce hand raise failed", zap.Error(err))
	}
	return fatal
}

// handleBusDelivery translates a subset of BUS events into the typed
// participant-lifecycle EventKinds every module may switch on, and
// passes everything else through as EventInterProcess for a module to
// interpret on its own terms.
func (r *Runner) handleBusDelivery(ctx context.Context, msg types.BusMessage) bool {
	switch msg.Event {
	case "participant_joined":
		var p participantJoinedPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.Participant != r.conn.ParticipantID() {
			return r.dispatchAll(ctx, module.Event{Kind: module.EventParticipantJoined, Participant: p.Participant})
		}
		return false
	case "participant_left":
		var p participantLeftPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return r.dispatchAll(ctx, module.Event{Kind: module.EventParticipantLeft, Participant: p.Participant})
		}
		return false
	case "participant_updated":
		var p participantUpdatedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			if p.Participant == r.conn.ParticipantID() {
				r.refreshOwnRole(ctx)
			}
			return r.dispatchAll(ctx, module.Event{Kind: module.EventParticipantUpdated, Participant: p.Participant})
		}
		return false
	default:
		return r.dispatchAll(ctx, module.Event{Kind: module.EventInterProcess, Bus: msg})
	}
}

// refreshOwnRole reloads this connection's role from shared room state,
// the mechanism a promote/demote transition relies on to take effect on
// the promoted connection without a reconnect.
func (r *Runner) refreshOwnRole(ctx context.Context) {
	attrs, err := r.room.GetAttributes(ctx, r.conn.ParticipantID())
	if err != nil {
		logging.GetLogger().Warn("runner: refresh own role failed", zap.Error(err))
		return
	}
	r.conn.setRole(attrs.Role)
}

// dispatchAll runs event through every loaded module in namespace order,
// stopping early only once a module's error is fatal.
func (r *Runner) dispatchAll(ctx context.Context, event module.Event) bool {
	for idx, m := range r.modules {
		if m == nil {
			continue
		}
		if r.dispatchOne(ctx, idx, event) {
			return true
		}
	}
	return false
}

// dispatchOne runs event through one module, draining its outgoing
// frames and recording any new ext-streams it registered. Returns
// whether the module's error was fatal.
func (r *Runner) dispatchOne(ctx context.Context, idx int, event module.Event) bool {
	m := r.modules[idx]
	if m == nil {
		return false
	}
	var outgoing []module.OutgoingFrame
	mctx := r.newContext(ctx, &outgoing)
	err := m.OnEvent(mctx, event)
	r.recordExtOwnership(idx)
	r.flush(outgoing)
	return r.handleModuleErr(m, err)
}

func (r *Runner) handleModuleErr(m module.SignalingModule, err error) bool {
	if err == nil {
		return false
	}
	var merr *types.ModuleError
	if errors.As(err, &merr) {
		if sendErr := r.conn.SendEnvelope(m.Namespace(), merr); sendErr != nil {
			logging.GetLogger().Warn("runner: send module error failed", zap.Error(sendErr))
		}
		return merr.Fatal
	}
	logging.GetLogger().Error("runner: module error",
		zap.String("namespace", m.Namespace()), zap.Error(err))
	return false
}

func (r *Runner) flush(outgoing []module.OutgoingFrame) {
	for _, f := range outgoing {
		if err := r.conn.SendEnvelope(f.Namespace, f.Payload); err != nil {
			logging.GetLogger().Warn("runner: send outgoing frame failed",
				zap.String("namespace", f.Namespace), zap.Error(err))
		}
	}
}

// teardown runs OnDestroy for every module, unsubscribes from BUS, and
// closes the underlying connection. destroyRoom is true only for the
// leave that emptied the room.
func (r *Runner) teardown(ctx context.Context, destroyRoom bool) {
	for _, m := range r.modules {
		if m == nil {
			continue
		}
		var outgoing []module.OutgoingFrame
		mctx := r.newContext(ctx, &outgoing)
		m.OnDestroy(mctx, destroyRoom)
		r.flush(outgoing)
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	_ = r.conn.Close("connection closed")
}

// Wire types for the messages the runner itself emits, distinct from any
// module's namespaced payloads.

type joinedMessage struct {
	ParticipantID types.ParticipantID                      `json:"participant_id"`
	Participants  map[types.ParticipantID]types.Attributes `json:"participants"`
}

type participantJoinedPayload struct {
	Participant types.ParticipantID `json:"participant"`
	Attributes  types.Attributes    `json:"attributes"`
}

type participantLeftPayload struct {
	Participant types.ParticipantID `json:"participant"`
}

type participantUpdatedPayload struct {
	Participant types.ParticipantID `json:"participant"`
}
