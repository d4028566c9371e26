package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProvisioner struct {
	provisionCalls int32
}

func (f *fakeProvisioner) Provision(ctx context.Context, room types.RoomID) (string, string, error) {
	atomic.AddInt32(&f.provisionCalls, 1)
	return "https://notes/read/" + string(room), "https://notes/write/" + string(room), nil
}

func (f *fakeProvisioner) SessionToken(ctx context.Context, room types.RoomID, p types.ParticipantID) (string, error) {
	return "token-" + string(p), nil
}

func newStore(t *testing.T) kvs.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvs.NewRedisStore(client, zaptest.NewLogger(t))
}

func newCtx(room types.SignalingRoomID, p types.ParticipantID, store kvs.Store) (*module.Context, *[]module.OutgoingFrame) {
	out := &[]module.OutgoingFrame{}
	ext := &[]<-chan any{}
	return module.NewContext(context.Background(), p, types.RoleUser, room, store, nil, out, ext), out
}

func TestInitializeProvisionsOnce(t *testing.T) {
	room := types.SignalingRoomID{Room: "r1"}
	store := newStore(t)
	prov := &fakeProvisioner{}
	factory := New(prov)

	for i := 0; i < 3; i++ {
		m := factory().(*Module)
		ctx, out := newCtx(room, types.ParticipantID("p"+string(rune('0'+i))), store)
		_, err := m.Init(ctx)
		require.NoError(t, err)
		raw, _ := json.Marshal(struct {
			Action string `json:"action"`
		}{Action: "initialize"})
		require.NoError(t, m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw}))
		require.Len(t, *out, 1)
		var data FrontendData
		require.NoError(t, json.Unmarshal(mustMarshal((*out)[0].Payload), &data))
		require.NotEmpty(t, data.ReadURL)
		require.NotEmpty(t, data.SessionToken)
	}
	require.Equal(t, int32(1), prov.provisionCalls)
}

func TestInitializeConcurrentJoinsProvisionOnce(t *testing.T) {
	room := types.SignalingRoomID{Room: "r2"}
	store := newStore(t)
	prov := &fakeProvisioner{}
	factory := New(prov)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := factory().(*Module)
			ctx, _ := newCtx(room, types.ParticipantID("p"), store)
			_, _ = m.Init(ctx)
			raw, _ := json.Marshal(struct {
				Action string `json:"action"`
			}{Action: "initialize"})
			_ = m.OnEvent(ctx, module.Event{Kind: module.EventWsMessage, Raw: raw})
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), prov.provisionCalls)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
