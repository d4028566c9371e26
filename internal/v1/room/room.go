// Package room implements the shared, cross-instance room state:
// the participants set, per-participant attributes,
// moderation flags, and bans, all stored in the KVS under
// "signaling:room={r}:..." keys so every server instance sees the same
// view regardless of which one a given participant is connected to.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// keyPrefix is the "signaling:room={r}:" prefix every room-scoped KVS key
// shares, matching the shared room-state key naming scheme.
func keyPrefix(room types.SignalingRoomID) string {
	return "signaling:room=" + room.String() + ":"
}

func participantsKey(room types.SignalingRoomID) string { return keyPrefix(room) + "participants" }
func attributesKey(room types.SignalingRoomID, p types.ParticipantID) string {
	return keyPrefix(room) + "participant=" + string(p) + ":attributes"
}
func bansKey(room types.SignalingRoomID) string              { return keyPrefix(room) + "bans" }
func waitingRoomEnabledKey(room types.SignalingRoomID) string { return keyPrefix(room) + "waiting_room_enabled" }
func waitingRoomListKey(room types.SignalingRoomID) string    { return keyPrefix(room) + "waiting_room_list" }
func raiseHandsEnabledKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "raise_hands_enabled" }
func participantsLockName(room types.SignalingRoomID) string { return keyPrefix(room) + "participants.lock" }

// State is a handle onto one room's shared KVS-backed state.
type State struct {
	store kvs.Store
	room  types.SignalingRoomID
}

// New returns a handle for room, backed by store. It does not itself
// create or check for room existence — existence is implicit in whether
// the participants set is non-empty.
func New(store kvs.Store, room types.SignalingRoomID) *State {
	return &State{store: store, room: room}
}

// Room returns the room id this handle is scoped to.
func (s *State) Room() types.SignalingRoomID { return s.room }

// WithParticipantsLock runs fn while holding the distributed lock on this
// room's participants set, guarded by the Redlock-style distributed lock.
func (s *State) WithParticipantsLock(ctx context.Context, fn func(ctx context.Context) error) error {
	held, err := s.store.Lock(participantsLockName(s.room)).Acquire(ctx)
	if err != nil {
		return fmt.Errorf("room: acquire participants lock: %w", err)
	}
	defer func() { _ = held.Unlock(ctx) }()
	return fn(ctx)
}

// Join adds participant to the participants set and writes its initial
// attributes. Callers must hold WithParticipantsLock.
func (s *State) Join(ctx context.Context, p types.ParticipantID, attrs types.Attributes) error {
	if err := s.store.SAdd(ctx, participantsKey(s.room), string(p)); err != nil {
		return fmt.Errorf("room: join: add to participants: %w", err)
	}
	return s.SetAttributes(ctx, p, attrs)
}

// Leave removes participant from the participants set and deletes its
// attributes. It does not itself decide whether the room should be
// destroyed; callers check Participants() after calling this.
func (s *State) Leave(ctx context.Context, p types.ParticipantID) error {
	if err := s.store.SRem(ctx, participantsKey(s.room), string(p)); err != nil {
		return fmt.Errorf("room: leave: remove from participants: %w", err)
	}
	return s.store.Del(ctx, attributesKey(s.room, p))
}

// Participants lists every participant currently in the room.
func (s *State) Participants(ctx context.Context) ([]types.ParticipantID, error) {
	members, err := s.store.SMembers(ctx, participantsKey(s.room))
	if err != nil {
		return nil, fmt.Errorf("room: list participants: %w", err)
	}
	out := make([]types.ParticipantID, len(members))
	for i, m := range members {
		out[i] = types.ParticipantID(m)
	}
	return out, nil
}

// IsEmpty reports whether the room currently has zero participants —
// the trigger condition for the destroy-room path.
func (s *State) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.store.SCard(ctx, participantsKey(s.room))
	if err != nil {
		return false, fmt.Errorf("room: checking emptiness: %w", err)
	}
	return n == 0, nil
}

// SetAttributes overwrites participant's full attribute map.
func (s *State) SetAttributes(ctx context.Context, p types.ParticipantID, attrs types.Attributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("room: marshal attributes: %w", err)
	}
	return s.store.HSet(ctx, attributesKey(s.room, p), map[string]string{"attrs": string(data)})
}

// GetAttributes reads participant's attribute map.
func (s *State) GetAttributes(ctx context.Context, p types.ParticipantID) (types.Attributes, error) {
	raw, err := s.store.HGet(ctx, attributesKey(s.room, p), "attrs")
	if err != nil {
		return types.Attributes{}, fmt.Errorf("room: get attributes: %w", err)
	}
	var attrs types.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return types.Attributes{}, fmt.Errorf("room: unmarshal attributes: %w", err)
	}
	return attrs, nil
}

// AllAttributes snapshots every current participant's attributes, used to
// build the composite "joined" message.
func (s *State) AllAttributes(ctx context.Context) (map[types.ParticipantID]types.Attributes, error) {
	participants, err := s.Participants(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ParticipantID]types.Attributes, len(participants))
	for _, p := range participants {
		attrs, err := s.GetAttributes(ctx, p)
		if err != nil {
			continue // participant left between SMEMBERS and HGET; skip rather than fail the whole snapshot
		}
		out[p] = attrs
	}
	return out, nil
}

// SetHandRaised updates just the hand_raised flag, used by RaiseHand/
// LowerHand without a full read-modify-write from the caller's side.
func (s *State) SetHandRaised(ctx context.Context, p types.ParticipantID, raised bool) error {
	attrs, err := s.GetAttributes(ctx, p)
	if err != nil {
		return err
	}
	attrs.HandRaised = raised
	return s.SetAttributes(ctx, p, attrs)
}

// SetRole updates just the role, used by promote/demote moderator
// commands restricted to moderators.
func (s *State) SetRole(ctx context.Context, p types.ParticipantID, role types.Role) error {
	attrs, err := s.GetAttributes(ctx, p)
	if err != nil {
		return err
	}
	attrs.Role = role
	return s.SetAttributes(ctx, p, attrs)
}

// Destroy deletes every key under this room's prefix. Callers must have
// already confirmed (under the participants lock) that the room is
// empty.
func (s *State) Destroy(ctx context.Context) error {
	return s.store.Del(ctx,
		participantsKey(s.room),
		bansKey(s.room),
		waitingRoomEnabledKey(s.room),
		waitingRoomListKey(s.room),
		raiseHandsEnabledKey(s.room),
	)
}

// Moderation flags.

func (s *State) SetWaitingRoomEnabled(ctx context.Context, enabled bool) error {
	return s.store.Set(ctx, waitingRoomEnabledKey(s.room), boolStr(enabled), 0)
}

func (s *State) WaitingRoomEnabled(ctx context.Context) (bool, error) {
	v, err := s.store.Get(ctx, waitingRoomEnabledKey(s.room))
	if err == kvs.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *State) SetRaiseHandsEnabled(ctx context.Context, enabled bool) error {
	return s.store.Set(ctx, raiseHandsEnabledKey(s.room), boolStr(enabled), 0)
}

func (s *State) RaiseHandsEnabled(ctx context.Context) (bool, error) {
	v, err := s.store.Get(ctx, raiseHandsEnabledKey(s.room))
	if err == kvs.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Ban/unban/IsBanned operate on UserId, since a ban must survive the
// banned user reconnecting with a fresh ParticipantId.
func (s *State) Ban(ctx context.Context, user types.UserID) error {
	return s.store.SAdd(ctx, bansKey(s.room), string(user))
}

func (s *State) Unban(ctx context.Context, user types.UserID) error {
	return s.store.SRem(ctx, bansKey(s.room), string(user))
}

func (s *State) IsBanned(ctx context.Context, user types.UserID) (bool, error) {
	if user == "" {
		return false, nil
	}
	return s.store.SIsMember(ctx, bansKey(s.room), string(user))
}

// Waiting room membership.
func (s *State) AddToWaitingRoom(ctx context.Context, p types.ParticipantID) error {
	return s.store.SAdd(ctx, waitingRoomListKey(s.room), string(p))
}

func (s *State) RemoveFromWaitingRoom(ctx context.Context, p types.ParticipantID) error {
	return s.store.SRem(ctx, waitingRoomListKey(s.room), string(p))
}

func (s *State) WaitingRoomList(ctx context.Context) ([]types.ParticipantID, error) {
	members, err := s.store.SMembers(ctx, waitingRoomListKey(s.room))
	if err != nil {
		return nil, err
	}
	out := make([]types.ParticipantID, len(members))
	for i, m := range members {
		out[i] = types.ParticipantID(m)
	}
	return out, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// joinTimestamp is split out so tests can assert attribute defaults
// without depending on wall-clock time directly.
func joinTimestamp() time.Time { return time.Now() }
