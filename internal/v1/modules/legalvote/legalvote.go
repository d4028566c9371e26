// Package legalvote implements the binding-vote state machine: an
// append-only, tamper-evident protocol with public, roll-call, or
// pseudonymous ballots, backed by the cast_vote/end_current_vote/
// cleanup_vote atomic scripts.
package legalvote

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
const Namespace = "legalvote"

// Kind selects the ballot style.
type Kind string

const (
	KindRollCall     Kind = "roll_call"
	KindLiveRollCall Kind = "live_roll_call"
	KindPseudonymous Kind = "pseudonymous"
)

// Option is a cast ballot choice.
type Option string

const (
	OptionYes     Option = "yes"
	OptionNo      Option = "no"
	OptionAbstain Option = "abstain"
)

// UserParameters is the incoming Start command body.
type UserParameters struct {
	Kind                Kind                   `json:"kind"`
	Name                string                 `json:"name"`
	Subtitle            string                 `json:"subtitle,omitempty"`
	Topic               string                 `json:"topic,omitempty"`
	AllowedParticipants []types.ParticipantID  `json:"allowed_participants"`
	EnableAbstain       bool                   `json:"enable_abstain"`
	AutoClose           bool                   `json:"auto_close"`
	DurationSeconds     *int                   `json:"duration,omitempty"`
	CreatePdf           bool                   `json:"create_pdf"`
}

// Parameters is the persisted, immutable-after-start record.
type Parameters struct {
	InitiatorID types.UserID      `json:"initiator_id"`
	VoteID      types.LegalVoteID `json:"legal_vote_id"`
	StartTime   time.Time         `json:"start_time"`
	MaxVotes    int               `json:"max_votes"`
	Inner       UserParameters    `json:"inner"`
}

// ProtocolEvent is the tagged-union entry body.
type ProtocolEvent struct {
	Type    string          `json:"type"` // start|vote|stop|final_results|cancel
	Payload json.RawMessage `json:"payload"`
}

// ProtocolEntry is one append-only protocol line.
type ProtocolEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Event     ProtocolEvent `json:"event"`
}

// Protocol is the full ordered entry log for one vote.
type Protocol struct {
	VoteID  types.LegalVoteID `json:"vote_id"`
	Entries []ProtocolEntry   `json:"entries"`
}

// Vote is the incoming ballot-cast command.
type Vote struct {
	VoteID types.LegalVoteID `json:"vote_id"`
	Option Option            `json:"option"`
	Token  types.VoteToken   `json:"token,omitempty"`
}

// Stop is the incoming moderator stop command.
type Stop struct {
	VoteID types.LegalVoteID `json:"vote_id"`
}

// Cancel is the incoming moderator cancel command.
type Cancel struct {
	VoteID types.LegalVoteID `json:"vote_id"`
	Reason string            `json:"reason"`
}

// Outgoing messages.

type Started struct{ Parameters Parameters `json:"parameters"` }
type Updated struct {
	VoteID types.LegalVoteID  `json:"vote_id"`
	Tally  map[Option]int64   `json:"tally"`
}
type Voted struct {
	VoteID   types.LegalVoteID `json:"vote_id"`
	Success  bool              `json:"success"`
	Reason   string            `json:"reason,omitempty"`
}
type Stopped struct {
	VoteID   types.LegalVoteID `json:"vote_id"`
	StopKind string            `json:"stop_kind"`
	Valid    bool              `json:"valid"`
	Tally    map[Option]int64  `json:"tally,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}
type Canceled struct {
	VoteID types.LegalVoteID `json:"vote_id"`
	Reason string            `json:"reason"`
}
type PdfAsset struct {
	Filename string `json:"filename"`
	AssetID  string `json:"asset_id"`
}
type VoteTokenIssued struct {
	VoteID types.LegalVoteID `json:"vote_id"`
	Token  types.VoteToken   `json:"token"`
}
type ErrorMsg struct{ Error string `json:"error"` }

// legalVoteExpiry is the ext-stream payload delivered when a vote's
// duration timer fires; carrying the vote id lets OnEvent ignore a stale
// timer belonging to a vote that already ended by another path.
type legalVoteExpiry struct {
	VoteID types.LegalVoteID
}

func keyPrefix(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":vote=" }
func currentKey(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":vote:current" }
func historyKey(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":vote:history" }
func voteParamsKey(room types.SignalingRoomID, id types.LegalVoteID) string {
	return keyPrefix(room) + string(id) + ":params"
}
func allowedUsersKey(room types.SignalingRoomID, id types.LegalVoteID) string {
	return keyPrefix(room) + string(id) + ":allowed_users"
}
func protocolKey(room types.SignalingRoomID, id types.LegalVoteID) string {
	return keyPrefix(room) + string(id) + ":protocol"
}
func voteCountKey(room types.SignalingRoomID, id types.LegalVoteID) string {
	return keyPrefix(room) + string(id) + ":vote_count"
}

// Module implements module.SignalingModule.
type Module struct {
	store  LegalVoteStore
	pdf    PdfRenderer
	assets AssetStore
	clock  clock.Clock
}

// New returns a Factory producing modules backed by in-memory reference
// stores; production wiring swaps these for real implementations once
// one exists.
func New(store LegalVoteStore, pdf PdfRenderer, assets AssetStore) module.Factory {
	return func() module.SignalingModule {
		return &Module{store: store, pdf: pdf, assets: assets, clock: clock.RealClock{}}
	}
}

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) { return m, nil }

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	if event.Kind == module.EventLeaving {
		return m.onParticipantLeaving(ctx)
	}
	if event.Kind == module.EventWsMessage {
		return m.onMessage(ctx, event.Raw)
	}
	if event.Kind == module.EventExt {
		if exp, ok := event.Ext.(legalVoteExpiry); ok {
			current, err := ctx.KVS.Get(ctx, currentKey(ctx.Room))
			if err == nil && types.LegalVoteID(current) == exp.VoteID {
				m.endForReason(ctx, exp.VoteID, "stop", "expired")
			}
		}
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	current, err := ctx.KVS.Get(ctx, currentKey(ctx.Room))
	if err != nil {
		return
	}
	voteID := types.LegalVoteID(current)
	m.endForReason(ctx, voteID, "cancel", "room_destroyed")
}

func (m *Module) onParticipantLeaving(ctx *module.Context) error {
	current, err := ctx.KVS.Get(ctx, currentKey(ctx.Room))
	if err != nil {
		return nil
	}
	voteID := types.LegalVoteID(current)
	raw, err := ctx.KVS.Get(ctx, voteParamsKey(ctx.Room, voteID))
	if err != nil {
		return nil
	}
	var params Parameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil
	}
	if params.InitiatorID != "" && params.InitiatorID == initiatorUserID(ctx) {
		m.endForReason(ctx, voteID, "cancel", "initiator_left")
	}
	return nil
}

type incoming struct{ Action string `json:"action"` }

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
		var up UserParameters
		if err := json.Unmarshal(raw, &up); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.start(ctx, up)
	case "vote":
		var v Vote
		if err := json.Unmarshal(raw, &v); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.vote(ctx, v)
	case "stop":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var s Stop
		if err := json.Unmarshal(raw, &s); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		m.endForReason(ctx, s.VoteID, "stop", "by_moderator")
		return nil
	case "cancel":
		if ctx.Role != types.RoleModerator {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var c Cancel
		if err := json.Unmarshal(raw, &c); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.cancel(ctx, c)
	}
	return nil
}

func (m *Module) start(ctx *module.Context, up UserParameters) error {
	if len(up.Name) > 150 || len(up.Topic) > 500 || len(up.Subtitle) > 150 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrBadRequest)})
		return nil
	}
	if len(up.AllowedParticipants) == 0 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrBadRequest)})
		return nil
	}
	if up.DurationSeconds != nil && *up.DurationSeconds < 5 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrBadRequest)})
		return nil
	}

	if current, err := ctx.KVS.Get(ctx, currentKey(ctx.Room)); err == nil && current != "" {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrVoteAlreadyActive)})
		return nil
	}

	var guests []types.ParticipantID
	for _, p := range up.AllowedParticipants {
		attrs, err := m.attributesOf(ctx, p)
		if err != nil || !attrs.IsAuthenticated() {
			guests = append(guests, p)
		}
	}
	if len(guests) > 0 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrAllowlistContainsGuests)})
		return nil
	}

	voteID := types.LegalVoteID(newID())
	params := Parameters{
		InitiatorID: initiatorUserID(ctx),
		VoteID:      voteID,
		StartTime:   ctx.Timestamp,
		MaxVotes:    len(up.AllowedParticipants),
		Inner:       up,
	}

	data, _ := json.Marshal(params)
	if err := ctx.KVS.Set(ctx, voteParamsKey(ctx.Room, voteID), string(data), 0); err != nil {
		return fmt.Errorf("legalvote: persist params: %w", err)
	}

	if up.Kind == KindPseudonymous {
		tokens := make([]string, len(up.AllowedParticipants))
		for i, p := range up.AllowedParticipants {
			tok, err := newVoteToken()
			if err != nil {
				return fmt.Errorf("legalvote: generate token: %w", err)
			}
			tokens[i] = string(tok)
			_ = ctx.Publish(types.RoutingKeyParticipant(ctx.Room, p), "token_issued", VoteTokenIssued{VoteID: voteID, Token: tok})
		}
		if err := ctx.KVS.SAdd(ctx, allowedUsersKey(ctx.Room, voteID), tokens...); err != nil {
			return fmt.Errorf("legalvote: persist allowed tokens: %w", err)
		}
	} else {
		allowed := make([]string, len(up.AllowedParticipants))
		for i, p := range up.AllowedParticipants {
			allowed[i] = string(userIDFor(ctx, p))
		}
		if err := ctx.KVS.SAdd(ctx, allowedUsersKey(ctx.Room, voteID), allowed...); err != nil {
			return fmt.Errorf("legalvote: persist allowed users: %w", err)
		}
	}

	startEntry := ProtocolEntry{
		Timestamp: ctx.Timestamp,
		Event:     ProtocolEvent{Type: "start", Payload: marshalOrNil(params)},
	}
	entryData, _ := json.Marshal(startEntry)
	if err := ctx.KVS.RPush(ctx, protocolKey(ctx.Room, voteID), string(entryData)); err != nil {
		return fmt.Errorf("legalvote: append start entry: %w", err)
	}

	if err := ctx.KVS.Set(ctx, currentKey(ctx.Room), string(voteID), 0); err != nil {
		return fmt.Errorf("legalvote: set current: %w", err)
	}

	if up.DurationSeconds != nil {
		ctx.RegisterExpiryTimer(m.clock, time.Duration(*up.DurationSeconds)*time.Second, legalVoteExpiry{VoteID: voteID})
	}

	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "started", Started{Parameters: params})
}

func (m *Module) vote(ctx *module.Context, v Vote) error {
	params, err := m.loadParams(ctx, v.VoteID)
	if err != nil {
		ctx.Send(Namespace, Voted{VoteID: v.VoteID, Success: false, Reason: string(types.ErrInvalidVoteID)})
		return nil
	}

	// Pseudonymous ballots are cast and tracked by the redeemed token, not
	// by the caster's authenticated identity, so the protocol and the
	// allowed-voter set never record who cast which ballot.
	var voterKey string
	var entryPayload map[string]any
	if params.Inner.Kind == KindPseudonymous {
		if v.Token == "" {
			ctx.Send(Namespace, Voted{VoteID: v.VoteID, Success: false, Reason: string(types.ErrIneligible)})
			return nil
		}
		voterKey = string(v.Token)
		entryPayload = map[string]any{"token": v.Token, "option": v.Option}
	} else {
		voterKey = string(initiatorUserID(ctx))
		entryPayload = map[string]any{"user": voterKey, "option": v.Option}
	}

	entry := ProtocolEntry{Timestamp: ctx.Timestamp, Event: ProtocolEvent{Type: "vote", Payload: marshalOrNil(entryPayload)}}
	entryData, _ := json.Marshal(entry)

	result, err := ctx.KVS.RunScript(ctx, castVoteScript,
		[]string{currentKey(ctx.Room), allowedUsersKey(ctx.Room, v.VoteID), protocolKey(ctx.Room, v.VoteID), voteCountKey(ctx.Room, v.VoteID)},
		string(v.VoteID), voterKey, string(entryData), string(v.Option))
	if err != nil {
		return fmt.Errorf("legalvote: cast_vote: %w", err)
	}

	switch result {
	case "invalid_vote_id":
		ctx.Send(Namespace, Voted{VoteID: v.VoteID, Success: false, Reason: string(types.ErrInvalidVoteID)})
	case "ineligible":
		ctx.Send(Namespace, Voted{VoteID: v.VoteID, Success: false, Reason: string(types.ErrIneligible)})
	default:
		ctx.Send(Namespace, Voted{VoteID: v.VoteID, Success: true})
		_ = ctx.Publish(types.RoutingKeyAll(ctx.Room), "updated", Updated{VoteID: v.VoteID, Tally: m.tally(ctx, v.VoteID)})
		if params.Inner.AutoClose {
			if remaining, err := ctx.KVS.SCard(ctx, allowedUsersKey(ctx.Room, v.VoteID)); err == nil && remaining == 0 {
				m.endForReason(ctx, v.VoteID, "stop", "auto")
			}
		}
	}
	return nil
}

func (m *Module) tally(ctx *module.Context, voteID types.LegalVoteID) map[Option]int64 {
	scores, err := ctx.KVS.ZRangeWithScores(ctx, voteCountKey(ctx.Room, voteID), 0, -1)
	if err != nil {
		return nil
	}
	out := map[Option]int64{}
	for member, score := range scores {
		out[Option(member)] = int64(score)
	}
	return out
}

func (m *Module) endForReason(ctx *module.Context, voteID types.LegalVoteID, kind, reason string) {
	tally := m.tally(ctx, voteID)

	valid := true
	invalidReason := ""
	if kind == "stop" {
		valid, invalidReason = m.checkResultValidity(ctx, voteID, tally)
	}

	finalEntry := ProtocolEntry{Timestamp: ctx.Timestamp, Event: ProtocolEvent{Type: kind, Payload: marshalOrNil(map[string]any{"reason": reason, "tally": tally, "valid": valid})}}
	entryData, _ := json.Marshal(finalEntry)

	res, err := ctx.KVS.RunScript(ctx, endCurrentVoteScript,
		[]string{currentKey(ctx.Room), protocolKey(ctx.Room, voteID), historyKey(ctx.Room)},
		string(voteID), string(entryData))
	if err != nil || res == int64(0) {
		return // already ended by another worker
	}

	if kind == "stop" {
		_ = ctx.Publish(types.RoutingKeyAll(ctx.Room), "stopped", Stopped{VoteID: voteID, StopKind: reason, Valid: valid, Tally: tally, Reason: invalidReason})
	} else {
		_ = ctx.Publish(types.RoutingKeyAll(ctx.Room), "canceled", Canceled{VoteID: voteID, Reason: reason})
	}

	m.persistAndCleanup(ctx, voteID)
}

// checkResultValidity implements invariant L4 (the vote_count tally must sum
// to the number of recorded vote entries in the protocol log) and the
// abstain-disabled check, both evaluated from the protocol log rather than
// trusted at cast time.
func (m *Module) checkResultValidity(ctx *module.Context, voteID types.LegalVoteID, tally map[Option]int64) (bool, string) {
	params, err := m.loadParams(ctx, voteID)
	if err != nil {
		return true, ""
	}

	entries, _ := ctx.KVS.LRange(ctx, protocolKey(ctx.Room, voteID), 0, -1)
	var voteEntries int64
	var hasAbstain bool
	for _, raw := range entries {
		var entry ProtocolEntry
		if json.Unmarshal([]byte(raw), &entry) != nil || entry.Event.Type != "vote" {
			continue
		}
		voteEntries++
		var payload struct {
			Option Option `json:"option"`
		}
		if json.Unmarshal(entry.Event.Payload, &payload) == nil && payload.Option == OptionAbstain {
			hasAbstain = true
		}
	}

	var total int64
	for _, n := range tally {
		total += n
	}
	if total != voteEntries {
		return false, string(types.ErrVoteCountInconsistent)
	}
	if hasAbstain && !params.Inner.EnableAbstain {
		return false, string(types.ErrAbstainDisabled)
	}
	return true, ""
}

// loadParams reads back the persisted Parameters record for voteID.
func (m *Module) loadParams(ctx *module.Context, voteID types.LegalVoteID) (Parameters, error) {
	raw, err := ctx.KVS.Get(ctx, voteParamsKey(ctx.Room, voteID))
	if err != nil {
		return Parameters{}, err
	}
	var p Parameters
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func (m *Module) cancel(ctx *module.Context, c Cancel) error {
	if len(c.Reason) > 255 {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrBadRequest)})
		return nil
	}
	m.endForReason(ctx, c.VoteID, "cancel", c.Reason)
	return nil
}

func (m *Module) persistAndCleanup(ctx *module.Context, voteID types.LegalVoteID) {
	entries, _ := ctx.KVS.LRange(ctx, protocolKey(ctx.Room, voteID), 0, -1)
	protocol := Protocol{VoteID: voteID}
	for _, raw := range entries {
		var entry ProtocolEntry
		if json.Unmarshal([]byte(raw), &entry) == nil {
			protocol.Entries = append(protocol.Entries, entry)
		}
	}

	if m.store != nil {
		_ = m.store.Save(ctx, LegalVoteRow{ID: voteID, Room: ctx.Room.Room, CreatedAt: ctx.Timestamp, Protocol: protocol})
	}

	if m.pdf != nil && m.assets != nil {
		go func() {
			background := ctxBackground{Context: ctx}
			data, err := m.pdf.Render(background, protocol)
			if err != nil {
				return
			}
			assetID, err := m.assets.Upload(background, fmt.Sprintf("%s.pdf", voteID), data)
			if err != nil {
				return
			}
			_ = ctx.Publish(types.RoutingKeyAll(ctx.Room), "pdf_asset", PdfAsset{Filename: fmt.Sprintf("%s.pdf", voteID), AssetID: assetID})
		}()
	}

	_, err := ctx.KVS.RunScript(ctx, cleanupVoteScript,
		[]string{currentKey(ctx.Room), voteCountKey(ctx.Room, voteID), voteParamsKey(ctx.Room, voteID), allowedUsersKey(ctx.Room, voteID), protocolKey(ctx.Room, voteID)},
		string(voteID))
	_ = err
}

// attributesOf and userIDFor are small seams over the room package's
// attribute storage; kept local to avoid an import cycle (room does not
// depend on any module package).
func (m *Module) attributesOf(ctx *module.Context, p types.ParticipantID) (types.Attributes, error) {
	raw, err := ctx.KVS.HGet(ctx, "signaling:room="+ctx.Room.String()+":participant="+string(p)+":attributes", "attrs")
	if err != nil {
		return types.Attributes{}, err
	}
	var attrs types.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return types.Attributes{}, err
	}
	return attrs, nil
}

func userIDFor(ctx *module.Context, p types.ParticipantID) types.UserID {
	mod := &Module{}
	attrs, err := mod.attributesOf(ctx, p)
	if err != nil {
		return types.UserID(p)
	}
	return attrs.UserID
}

func initiatorUserID(ctx *module.Context) types.UserID {
	mod := &Module{}
	attrs, err := mod.attributesOf(ctx, ctx.ParticipantID)
	if err != nil || attrs.UserID == "" {
		return types.UserID(ctx.ParticipantID)
	}
	return attrs.UserID
}

func marshalOrNil(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}

const voteTokenAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// newVoteToken mints an 11-character base58 token handed out in place of a
// real identity for pseudonymous ballots.
func newVoteToken() (types.VoteToken, error) {
	buf := make([]byte, 11)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(voteTokenAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = voteTokenAlphabet[n.Int64()]
	}
	return types.VoteToken(buf), nil
}

// ctxBackground detaches the PDF render/upload goroutine from the
// request-scoped *module.Context's cancellation while keeping its
// Value() chain, per the resolved Open Question: PDF work runs after the
// destruction critical section, never holding the distributed lock.
type ctxBackground struct{ *module.Context }

func (ctxBackground) Deadline() (time.Time, bool) { return time.Time{}, false }
func (ctxBackground) Done() <-chan struct{}       { return nil }
func (ctxBackground) Err() error                  { return nil }
