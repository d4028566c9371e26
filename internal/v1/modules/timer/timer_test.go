package timer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"
)

func newStore(t *testing.T) kvs.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvs.NewRedisStore(client, zaptest.NewLogger(t))
}

func newCtx(room types.SignalingRoomID, p types.ParticipantID, role types.Role, store kvs.Store) (*module.Context, *[]module.OutgoingFrame) {
	out := &[]module.OutgoingFrame{}
	ext := &[]<-chan any{}
	return module.NewContext(context.Background(), p, role, room, store, nil, out, ext), out
}

func dispatch(t *testing.T, m *Module, ctx *module.Context, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))
}

func TestStartRequiresModerator(t *testing.T) {
	room := types.SignalingRoomID{Room: "r1"}
	store := newStore(t)
	m := New().(*Module)
	ctx, _ := newCtx(room, "p1", types.RoleUser, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	dur := 30 * time.Second
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: Start{Kind: KindCountdown, Duration: &dur}})
	err = m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw})
	var modErr *types.ModuleError
	require.ErrorAs(t, err, &modErr)
	require.Equal(t, types.ErrInsufficientPermissions, modErr.Kind)
}

func TestStartPersistsConfigWithTTL(t *testing.T) {
	room := types.SignalingRoomID{Room: "r2"}
	store := newStore(t)
	m := New().(*Module)
	ctx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	dur := 10 * time.Second
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: Start{Kind: KindCountdown, Duration: &dur, Title: "break"}})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	val, err := store.Get(context.Background(), configKey(room))
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(val), &cfg))
	require.Equal(t, "break", cfg.Title)
}

func TestReadyStatusClearedOnLeave(t *testing.T) {
	room := types.SignalingRoomID{Room: "r3"}
	store := newStore(t)
	m := New().(*Module)
	ctx, _ := newCtx(room, "p1", types.RoleUser, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	dispatch(t, m, ctx, struct {
		Action string `json:"action"`
		ReadyStatus
	}{Action: "ready_status", ReadyStatus: ReadyStatus{Ready: true}})

	_, err = store.Get(context.Background(), readyKey(room, "p1"))
	require.NoError(t, err)

	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventLeaving}))
	_, err = store.Get(context.Background(), readyKey(room, "p1"))
	require.ErrorIs(t, err, kvs.ErrNotFound)
}

func TestExpiredExtEventStopsTimer(t *testing.T) {
	room := types.SignalingRoomID{Room: "r4"}
	store := newStore(t)
	m := New().(*Module)
	ctx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	dur := 5 * time.Second
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: Start{Kind: KindCountdown, Duration: &dur}})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventExt, Ext: "expired"}))
	_, err = store.Get(context.Background(), configKey(room))
	require.ErrorIs(t, err, kvs.ErrNotFound)
}

// TestCountdownStartRegistersExpiryTimer checks that a countdown arms an
// ext stream via the injected clock rather than requiring a caller to
// synthesize the expiry event by hand.
func TestCountdownStartRegistersExpiryTimer(t *testing.T) {
	room := types.SignalingRoomID{Room: "r5"}
	store := newStore(t)
	fake := clocktesting.NewFakeClock(time.Now())
	m := &Module{clock: fake}
	out := &[]module.OutgoingFrame{}
	ext := &[]<-chan any{}
	ctx := module.NewContext(context.Background(), "mod1", types.RoleModerator, room, store, nil, out, ext)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	dur := 5 * time.Second
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: Start{Kind: KindCountdown, Duration: &dur}})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))
	require.Len(t, *ext, 1)

	fake.Step(dur)
	select {
	case v, ok := <-(*ext)[0]:
		require.True(t, ok)
		require.Equal(t, "expired", v)
	case <-time.After(time.Second):
		t.Fatal("expiry timer never fired")
	}
}
