package automod

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

func seedParticipants(t *testing.T, store kvs.Store, room types.SignalingRoomID, ids ...types.ParticipantID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.SAdd(context.Background(), "signaling:room="+room.String()+":participants", string(id)))
	}
}

func newCtx(room types.SignalingRoomID, p types.ParticipantID, role types.Role, store kvs.Store) (*module.Context, *[]module.OutgoingFrame) {
	out := &[]module.OutgoingFrame{}
	ext := &[]<-chan any{}
	return module.NewContext(context.Background(), p, role, room, store, nil, out, ext), out
}

func TestStart_RejectsUnknownAllowListMember(t *testing.T) {
	room := types.SignalingRoomID{Room: "r1"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1")

	m := New().(*Module)
	ctx, out := newCtx(room, "p1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	start := Start{Parameter: Parameter{SelectionStrategy: StrategyRandom}, AllowList: []types.ParticipantID{"p1", "ghost"}}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})

	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))
	require.Len(t, *out, 1)
	var em ErrorMsg
	require.NoError(t, json.Unmarshal(mustMarshal((*out)[0].Payload), &em))
	require.Equal(t, string(types.ErrInvalidSelection), em.Error)
}

func TestNominationRejectsRandomDraw(t *testing.T) {
	room := types.SignalingRoomID{Room: "r2"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1", "p2")

	m := New().(*Module)
	ctx, _ := newCtx(room, "p1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	start := Start{Parameter: Parameter{SelectionStrategy: StrategyNomination}, AllowList: []types.ParticipantID{"p1", "p2"}}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	sel := Select{How: HowRandom}
	raw2, _ := json.Marshal(struct {
		Action string `json:"action"`
		Select
	}{Action: "select", Select: sel})

	ctx2, out2 := newCtx(room, "p1", types.RoleModerator, store)
	require.NoError(t, m.OnEvent(ctx2, module.Event{Kind: module.EventWsMessage, Raw: raw2}))
	require.Len(t, *out2, 1)
	var em ErrorMsg
	require.NoError(t, json.Unmarshal(mustMarshal((*out2)[0].Payload), &em))
	require.Equal(t, string(types.ErrInvalidSelection), em.Error)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func TestYieldIgnoredWhenNotSpeaker(t *testing.T) {
	room := types.SignalingRoomID{Room: "r3"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1", "p2")

	m := New().(*Module)
	modCtx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(modCtx)
	require.NoError(t, err)

	start := Start{Parameter: Parameter{SelectionStrategy: StrategyNomination}, AllowList: []types.ParticipantID{"p1", "p2"}}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})
	require.NoError(t, m.OnEvent(modCtx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	sel := Select{How: HowSpecific, Participant: "p1", KeepInList: true}
	selRaw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Select
	}{Action: "select", Select: sel})
	require.NoError(t, m.OnEvent(modCtx, module.Event{Kind: module.EventWsMessage, Raw: selRaw}))

	// p2 is not the current speaker (p1 is); its yield must be a no-op.
	yieldCtx, yieldOut := newCtx(room, "p2", types.RoleUser, store)
	yieldRaw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Yield
	}{Action: "yield", Yield: Yield{}})
	require.NoError(t, m.OnEvent(yieldCtx, module.Event{Kind: module.EventWsMessage, Raw: yieldRaw}))
	require.Empty(t, *yieldOut)

	speaker, err := store.Get(context.Background(), speakerKey(room))
	require.NoError(t, err)
	require.Equal(t, "p1", speaker)
}

func TestYieldByCurrentSpeakerAdvances(t *testing.T) {
	room := types.SignalingRoomID{Room: "r4"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1", "p2")

	m := New().(*Module)
	modCtx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(modCtx)
	require.NoError(t, err)

	start := Start{Parameter: Parameter{SelectionStrategy: StrategyNomination}, AllowList: []types.ParticipantID{"p1", "p2"}}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})
	require.NoError(t, m.OnEvent(modCtx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	sel := Select{How: HowSpecific, Participant: "p1", KeepInList: true}
	selRaw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Select
	}{Action: "select", Select: sel})
	require.NoError(t, m.OnEvent(modCtx, module.Event{Kind: module.EventWsMessage, Raw: selRaw}))

	yieldCtx, _ := newCtx(room, "p1", types.RoleUser, store)
	yieldRaw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Yield
	}{Action: "yield", Yield: Yield{Next: "p2"}})
	require.NoError(t, m.OnEvent(yieldCtx, module.Event{Kind: module.EventWsMessage, Raw: yieldRaw}))

	speaker, err := store.Get(context.Background(), speakerKey(room))
	require.NoError(t, err)
	require.Equal(t, "p2", speaker)
}

func TestUnsetSpeakerAppendsStopHistoryEntry(t *testing.T) {
	room := types.SignalingRoomID{Room: "r5"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1")

	m := New().(*Module)
	ctx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	require.NoError(t, m.setSpeaker(ctx, "p1"))
	require.NoError(t, m.unsetSpeaker(ctx))

	entries, err := store.LRange(context.Background(), historyKey(room), 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var stop HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(entries[1]), &stop))
	require.Equal(t, "stop", stop.Kind)
	require.Equal(t, types.ParticipantID("p1"), stop.Participant)
}

func TestDrawRandomFiltersByHandRaise(t *testing.T) {
	room := types.SignalingRoomID{Room: "r6"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1", "p2")

	require.NoError(t, store.HSet(context.Background(), "signaling:room="+room.String()+":participant=p1:attributes",
		map[string]string{"attrs": string(mustMarshal(types.Attributes{HandRaised: false}))}))
	require.NoError(t, store.HSet(context.Background(), "signaling:room="+room.String()+":participant=p2:attributes",
		map[string]string{"attrs": string(mustMarshal(types.Attributes{HandRaised: true}))}))

	m := New().(*Module)
	ctx, _ := newCtx(room, "mod1", types.RoleModerator, store)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	start := Start{
		Parameter: Parameter{SelectionStrategy: StrategyRandom, ConsiderHandRaise: true},
		AllowList: []types.ParticipantID{"p1", "p2"},
	}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))

	sel := Select{How: HowRandom}
	selRaw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Select
	}{Action: "select", Select: sel})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: selRaw}))

	speaker, err := store.Get(context.Background(), speakerKey(room))
	require.NoError(t, err)
	require.Equal(t, "p2", speaker, "only p2 has raised its hand, so the draw must pick it")
}

func TestTimeLimitExpiryUnsetsSpeaker(t *testing.T) {
	room := types.SignalingRoomID{Room: "r7"}
	store := newStore(t)
	seedParticipants(t, store, room, "p1")

	fake := clocktesting.NewFakeClock(time.Now())
	m := &Module{clock: fake}
	out := &[]module.OutgoingFrame{}
	ext := &[]<-chan any{}
	ctx := module.NewContext(context.Background(), "mod1", types.RoleModerator, room, store, nil, out, ext)
	_, err := m.Init(ctx)
	require.NoError(t, err)

	limit := 5 * time.Second
	start := Start{Parameter: Parameter{SelectionStrategy: StrategyRandom, TimeLimit: &limit}, AllowList: []types.ParticipantID{"p1"}}
	raw, _ := json.Marshal(struct {
		Action string `json:"action"`
		Start
	}{Action: "start", Start: start})
	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))
	require.Len(t, *ext, 1)

	require.NoError(t, m.setSpeaker(ctx, "p1"))

	fake.Step(limit)
	select {
	case v, ok := <-(*ext)[0]:
		require.True(t, ok)
		require.Equal(t, "expired", v)
	case <-time.After(time.Second):
		t.Fatal("time limit timer never fired")
	}

	require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventExt, Ext: "expired"}))
	_, err = store.Get(context.Background(), speakerKey(room))
	require.ErrorIs(t, err, kvs.ErrNotFound)
}
