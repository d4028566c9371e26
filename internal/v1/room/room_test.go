package room

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

func newState(t *testing.T) *State {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvs.NewRedisStore(client, zaptest.NewLogger(t))
	return New(store, types.SignalingRoomID{Room: "room1"})
}

func TestJoinLeaveParticipants(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	attrs := types.Attributes{DisplayName: "alice", Role: types.RoleUser}
	require.NoError(t, s.Join(ctx, "p1", attrs))

	empty, err = s.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	participants, err := s.Participants(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.ParticipantID{"p1"}, participants)

	got, err := s.GetAttributes(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, attrs, got)

	require.NoError(t, s.Leave(ctx, "p1"))

	empty, err = s.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	_, err = s.GetAttributes(ctx, "p1")
	require.ErrorIs(t, err, kvs.ErrNotFound)
}

func TestAllAttributesSkipsMissingParticipant(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	require.NoError(t, s.Join(ctx, "p1", types.Attributes{DisplayName: "alice"}))
	require.NoError(t, s.Join(ctx, "p2", types.Attributes{DisplayName: "bob"}))

	// Simulate p2 having left between SMEMBERS and HGET by deleting only
	// its attributes, leaving it in the participants set.
	require.NoError(t, s.store.Del(ctx, "signaling:room=room1:participant=p2:attributes"))

	all, err := s.AllAttributes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Contains(t, all, types.ParticipantID("p1"))
}

func TestSetHandRaisedAndRole(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	require.NoError(t, s.Join(ctx, "p1", types.Attributes{DisplayName: "alice", Role: types.RoleUser}))

	require.NoError(t, s.SetHandRaised(ctx, "p1", true))
	attrs, err := s.GetAttributes(ctx, "p1")
	require.NoError(t, err)
	require.True(t, attrs.HandRaised)

	require.NoError(t, s.SetRole(ctx, "p1", types.RoleModerator))
	attrs, err = s.GetAttributes(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, types.RoleModerator, attrs.Role)
}

func TestModerationFlags(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	enabled, err := s.WaitingRoomEnabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, s.SetWaitingRoomEnabled(ctx, true))
	enabled, err = s.WaitingRoomEnabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)

	raiseHands, err := s.RaiseHandsEnabled(ctx)
	require.NoError(t, err)
	require.True(t, raiseHands, "raise hands defaults to enabled when unset")

	require.NoError(t, s.SetRaiseHandsEnabled(ctx, false))
	raiseHands, err = s.RaiseHandsEnabled(ctx)
	require.NoError(t, err)
	require.False(t, raiseHands)
}

func TestBanUnban(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	banned, err := s.IsBanned(ctx, "user1")
	require.NoError(t, err)
	require.False(t, banned)

	require.NoError(t, s.Ban(ctx, "user1"))
	banned, err = s.IsBanned(ctx, "user1")
	require.NoError(t, err)
	require.True(t, banned)

	banned, err = s.IsBanned(ctx, "")
	require.NoError(t, err)
	require.False(t, banned, "empty user id never counts as banned")

	require.NoError(t, s.Unban(ctx, "user1"))
	banned, err = s.IsBanned(ctx, "user1")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestWaitingRoomList(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	require.NoError(t, s.AddToWaitingRoom(ctx, "p1"))
	require.NoError(t, s.AddToWaitingRoom(ctx, "p2"))

	list, err := s.WaitingRoomList(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.ParticipantID{"p1", "p2"}, list)

	require.NoError(t, s.RemoveFromWaitingRoom(ctx, "p1"))
	list, err = s.WaitingRoomList(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.ParticipantID{"p2"}, list)
}

func TestDestroyRemovesRoomScopedKeys(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	require.NoError(t, s.Join(ctx, "p1", types.Attributes{DisplayName: "alice"}))
	require.NoError(t, s.Leave(ctx, "p1"))
	require.NoError(t, s.Ban(ctx, "user1"))
	require.NoError(t, s.SetWaitingRoomEnabled(ctx, true))

	require.NoError(t, s.Destroy(ctx))

	banned, err := s.IsBanned(ctx, "user1")
	require.NoError(t, err)
	require.False(t, banned)

	enabled, err := s.WaitingRoomEnabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestWithParticipantsLockSerializesAccess(t *testing.T) {
	ctx := context.Background()
	s := newState(t)

	err := s.WithParticipantsLock(ctx, func(ctx context.Context) error {
		return s.Join(ctx, "p1", types.Attributes{DisplayName: "alice"})
	})
	require.NoError(t, err)

	participants, err := s.Participants(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.ParticipantID{"p1"}, participants)
}
