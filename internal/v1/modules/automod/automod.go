// Package automod implements the speaker-selection state machine, with
// four strategies (none, random, nomination, playlist) layered over a
// common allow-list/playlist/history model.
package automod

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"k8s.io/utils/clock"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "automod"

// Strategy selects the speaker-selection behavior.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyRandom     Strategy = "random"
	StrategyNomination Strategy = "nomination"
	StrategyPlaylist   Strategy = "playlist"
)

// Parameter is the session-wide configuration chosen at Start.
type Parameter struct {
	SelectionStrategy    Strategy       `json:"selection_strategy"`
	ShowList             bool           `json:"show_list"`
	ConsiderHandRaise    bool           `json:"consider_hand_raise"`
	TimeLimit            *time.Duration `json:"time_limit,omitempty"`
	AllowDoubleSelection bool           `json:"allow_double_selection"`
	AnimationOnRandom    bool           `json:"animation_on_random"`
}

// Start is the incoming moderator command that begins a session.
type Start struct {
	Parameter Parameter             `json:"parameter"`
	AllowList []types.ParticipantID `json:"allow_list,omitempty"`
	Playlist  []types.ParticipantID `json:"playlist,omitempty"`
}

// Edit mutates the running session's allow list or playlist. Forward
// looking only — never evicts the current speaker mid-session.
type Edit struct {
	AllowList []types.ParticipantID `json:"allow_list,omitempty"`
	Playlist  []types.ParticipantID `json:"playlist,omitempty"`
}

// How selects the speaker-advance operation for Select.
type How string

const (
	HowNone     How = "none"
	HowRandom   How = "random"
	HowNext     How = "next"
	HowSpecific How = "specific"
)

// Select is the incoming moderator speaker-advance command.
type Select struct {
	How         How                 `json:"how"`
	Participant types.ParticipantID `json:"participant,omitempty"`
	KeepInList  bool                `json:"keep_in_remaining,omitempty"`
}

// Yield is the incoming participant self-yield command.
type Yield struct {
	Next types.ParticipantID `json:"next,omitempty"`
}

// Stop is the incoming moderator stop command.
type Stop struct{}

// Outgoing messages.

type Started struct{ Config Parameter `json:"config"` }
type Stopped struct{}
type SpeakerUpdated struct {
	Speaker   *types.ParticipantID  `json:"speaker,omitempty"`
	History   []HistoryEntry        `json:"history,omitempty"`
	Remaining []types.ParticipantID `json:"remaining,omitempty"`
}
type RemainingUpdated struct {
	Remaining []types.ParticipantID `json:"remaining"`
}
type StartAnimation struct {
	Pool   []types.ParticipantID `json:"pool"`
	Result types.ParticipantID   `json:"result"`
}
type ErrorMsg struct{ Error string `json:"error"` }

// HistoryEntry records one speaker start/stop transition.
type HistoryEntry struct {
	Timestamp   time.Time           `json:"timestamp"`
	Participant types.ParticipantID `json:"participant"`
	Kind        string              `json:"kind"` // "start" | "stop"
}

func keyPrefix(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":automod:" }
func paramsKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "parameter" }
func allowKey(room types.SignalingRoomID) string   { return keyPrefix(room) + "allow_list" }
func playlistKey(room types.SignalingRoomID) string { return keyPrefix(room) + "playlist" }
func speakerKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "current_speaker" }
func historyKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "history" }
func attributesKey(room types.SignalingRoomID, p types.ParticipantID) string {
	return "signaling:room=" + room.String() + ":participant=" + string(p) + ":attributes"
}

// Module implements module.SignalingModule.
type Module struct {
	clock clock.Clock
}

// New is this module's Factory.
func New() module.SignalingModule { return &Module{clock: clock.RealClock{}} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) {
	return m, nil
}

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	switch event.Kind {
	case module.EventWsMessage:
		return m.onMessage(ctx, event.Raw)
	case module.EventExt:
		if reason, ok := event.Ext.(string); ok && reason == "expired" {
			return m.unsetSpeaker(ctx)
		}
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	_ = ctx.KVS.Del(ctx, paramsKey(ctx.Room), allowKey(ctx.Room), playlistKey(ctx.Room), speakerKey(ctx.Room), historyKey(ctx.Room))
}

type incoming struct {
	Action string `json:"action"`
}

func (m *Module) onMessage(ctx *module.Context, raw json.RawMessage) error {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return &types.ModuleError{Kind: types.ErrBadRequest}
	}

	switch in.Action {
	case "start":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var start Start
		if err := json.Unmarshal(raw, &start); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.start(ctx, start)
	case "edit":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var edit Edit
		if err := json.Unmarshal(raw, &edit); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.edit(ctx, edit)
	case "select":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var sel Select
		if err := json.Unmarshal(raw, &sel); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.selectSpeaker(ctx, sel)
	case "yield":
		var y Yield
		if err := json.Unmarshal(raw, &y); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.yield(ctx, y)
	case "stop":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		return m.stop(ctx)
	}
	return nil
}

func (m *Module) currentParticipants(ctx *module.Context) (map[types.ParticipantID]bool, error) {
	all, err := ctx.KVS.SMembers(ctx, "signaling:room="+ctx.Room.String()+":participants")
	if err != nil {
		return nil, err
	}
	out := make(map[types.ParticipantID]bool, len(all))
	for _, p := range all {
		out[types.ParticipantID(p)] = true
	}
	return out, nil
}

func (m *Module) start(ctx *module.Context, start Start) error {
	present, err := m.currentParticipants(ctx)
	if err != nil {
		return fmt.Errorf("automod: start: %w", err)
	}

	// Validation gate runs strictly before any draw step, mirroring the
	// real match-arm ordering: nomination never reaches a random draw.
	switch start.Parameter.SelectionStrategy {
	case StrategyPlaylist:
		for _, p := range start.Playlist {
			if !present[p] {
				ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
				return nil
			}
		}
	default:
		for _, p := range start.AllowList {
			if !present[p] {
				ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
				return nil
			}
		}
	}

	data, _ := json.Marshal(start.Parameter)
	if err := ctx.KVS.Set(ctx, paramsKey(ctx.Room), string(data), 0); err != nil {
		return fmt.Errorf("automod: persist parameter: %w", err)
	}
	if start.Parameter.SelectionStrategy == StrategyPlaylist {
		if err := appendList(ctx, playlistKey(ctx.Room), start.Playlist); err != nil {
			return err
		}
	} else {
		if err := appendList(ctx, allowKey(ctx.Room), start.AllowList); err != nil {
			return err
		}
	}

	if start.Parameter.TimeLimit != nil && *start.Parameter.TimeLimit > 0 {
		ctx.RegisterExpiryTimer(m.clock, *start.Parameter.TimeLimit, "expired")
	}

	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "started", Started{Config: start.Parameter})
}

func (m *Module) edit(ctx *module.Context, edit Edit) error {
	present, err := m.currentParticipants(ctx)
	if err != nil {
		return fmt.Errorf("automod: edit: %w", err)
	}
	for _, p := range edit.AllowList {
		if !present[p] {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
			return nil
		}
	}
	for _, p := range edit.Playlist {
		if !present[p] {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
			return nil
		}
	}

	if len(edit.AllowList) > 0 {
		_ = ctx.KVS.Del(ctx, allowKey(ctx.Room))
		if err := appendList(ctx, allowKey(ctx.Room), edit.AllowList); err != nil {
			return err
		}
	}
	if len(edit.Playlist) > 0 {
		_ = ctx.KVS.Del(ctx, playlistKey(ctx.Room))
		if err := appendList(ctx, playlistKey(ctx.Room), edit.Playlist); err != nil {
			return err
		}
	}

	remaining, _ := ctx.KVS.LRange(ctx, playlistKey(ctx.Room), 0, -1)
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "remaining_updated", RemainingUpdated{Remaining: toIDs(remaining)})
}

func appendList(ctx *module.Context, key string, ids []types.ParticipantID) error {
	vals := make([]string, len(ids))
	for i, id := range ids {
		vals[i] = string(id)
	}
	return ctx.KVS.RPush(ctx, key, vals...)
}

func (m *Module) loadParameter(ctx *module.Context) (Parameter, error) {
	raw, err := ctx.KVS.Get(ctx, paramsKey(ctx.Room))
	if err != nil {
		return Parameter{}, err
	}
	var p Parameter
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Parameter{}, err
	}
	return p, nil
}

func (m *Module) selectSpeaker(ctx *module.Context, sel Select) error {
	param, err := m.loadParameter(ctx)
	if err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
		return nil
	}

	switch sel.How {
	case HowNone:
		return m.unsetSpeaker(ctx)
	case HowRandom:
		if param.SelectionStrategy == StrategyNomination {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
			return nil
		}
		return m.drawRandom(ctx, param)
	case HowNext:
		if param.SelectionStrategy == StrategyPlaylist {
			return m.popPlaylist(ctx)
		}
		return m.unsetSpeaker(ctx)
	case HowSpecific:
		return m.setSpecific(ctx, param, sel.Participant, sel.KeepInList)
	}
	return nil
}

func (m *Module) unsetSpeaker(ctx *module.Context) error {
	previous, err := ctx.KVS.Get(ctx, speakerKey(ctx.Room))
	if err == nil && previous != "" {
		entry := HistoryEntry{Timestamp: ctx.Timestamp, Participant: types.ParticipantID(previous), Kind: "stop"}
		data, _ := json.Marshal(entry)
		if err := ctx.KVS.RPush(ctx, historyKey(ctx.Room), string(data)); err != nil {
			return fmt.Errorf("automod: append stop history: %w", err)
		}
	}
	_ = ctx.KVS.Del(ctx, speakerKey(ctx.Room))
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "speaker_updated", SpeakerUpdated{})
}

func (m *Module) drawRandom(ctx *module.Context, param Parameter) error {
	key := allowKey(ctx.Room)
	if param.SelectionStrategy == StrategyPlaylist {
		key = playlistKey(ctx.Room)
	}
	pool, err := ctx.KVS.LRange(ctx, key, 0, -1)
	if err != nil || len(pool) == 0 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSelection)})
		return nil
	}

	if param.ConsiderHandRaise {
		if raised := m.filterHandRaised(ctx, pool); len(raised) > 0 {
			pool = raised
		}
	}

	idx, err := randomIndex(len(pool))
	if err != nil {
		return fmt.Errorf("automod: draw random: %w", err)
	}
	result := types.ParticipantID(pool[idx])

	if !param.AllowDoubleSelection {
		_ = ctx.KVS.LRem(ctx, key, pool[idx])
	}

	if err := m.setSpeaker(ctx, result); err != nil {
		return err
	}

	if param.AnimationOnRandom {
		return ctx.Publish(types.RoutingKeyAll(ctx.Room), "start_animation", StartAnimation{Pool: toIDs(pool), Result: result})
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "speaker_updated", SpeakerUpdated{Speaker: &result})
}

// filterHandRaised narrows pool to the participants whose hand_raised
// attribute is set, falling back to the full pool (the caller's choice)
// when none have raised a hand.
func (m *Module) filterHandRaised(ctx *module.Context, pool []string) []string {
	raised := make([]string, 0, len(pool))
	for _, p := range pool {
		raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, types.ParticipantID(p)))
		if err != nil {
			continue
		}
		var attrs types.Attributes
		if json.Unmarshal([]byte(raw), &attrs) != nil {
			continue
		}
		if attrs.HandRaised {
			raised = append(raised, p)
		}
	}
	return raised
}

func (m *Module) popPlaylist(ctx *module.Context) error {
	pool, err := ctx.KVS.LRange(ctx, playlistKey(ctx.Room), 0, 0)
	if err != nil || len(pool) == 0 {
		return m.unsetSpeaker(ctx)
	}
	first := types.ParticipantID(pool[0])
	_ = ctx.KVS.LRem(ctx, playlistKey(ctx.Room), pool[0])
	if err := m.setSpeaker(ctx, first); err != nil {
		return err
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "speaker_updated", SpeakerUpdated{Speaker: &first})
}

func (m *Module) setSpecific(ctx *module.Context, param Parameter, p types.ParticipantID, keep bool) error {
	if !keep {
		key := allowKey(ctx.Room)
		if param.SelectionStrategy == StrategyPlaylist {
			key = playlistKey(ctx.Room)
		}
		_ = ctx.KVS.LRem(ctx, key, string(p))
	}
	if err := m.setSpeaker(ctx, p); err != nil {
		return err
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "speaker_updated", SpeakerUpdated{Speaker: &p})
}

func (m *Module) setSpeaker(ctx *module.Context, p types.ParticipantID) error {
	if err := ctx.KVS.Set(ctx, speakerKey(ctx.Room), string(p), 0); err != nil {
		return err
	}
	entry := HistoryEntry{Timestamp: ctx.Timestamp, Participant: p, Kind: "start"}
	data, _ := json.Marshal(entry)
	return ctx.KVS.RPush(ctx, historyKey(ctx.Room), string(data))
}

func (m *Module) yield(ctx *module.Context, y Yield) error {
	speaker, err := ctx.KVS.Get(ctx, speakerKey(ctx.Room))
	if err != nil || types.ParticipantID(speaker) != ctx.ParticipantID {
		// Not the current speaker: ignored, no frame emitted.
		return nil
	}

	param, err := m.loadParameter(ctx)
	if err != nil {
		return nil
	}
	switch param.SelectionStrategy {
	case StrategyPlaylist:
		return m.popPlaylist(ctx)
	case StrategyNomination:
		if y.Next == "" {
			return m.unsetSpeaker(ctx)
		}
		return m.setSpecific(ctx, param, y.Next, true)
	default:
		return m.drawRandom(ctx, param)
	}
}

func (m *Module) stop(ctx *module.Context) error {
	_ = ctx.KVS.Del(ctx, paramsKey(ctx.Room), allowKey(ctx.Room), playlistKey(ctx.Room), speakerKey(ctx.Room))
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "stopped", Stopped{})
}

func toIDs(s []string) []types.ParticipantID {
	out := make([]types.ParticipantID, len(s))
	for i, v := range s {
		out[i] = types.ParticipantID(v)
	}
	return out
}

func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("automod: empty pool")
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
