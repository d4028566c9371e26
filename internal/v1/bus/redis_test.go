package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "", zaptest.NewLogger(t))
	require.NoError(t, err)

	return svc, mr
}

var testRoom = types.SignalingRoomID{Room: "room-1"}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, channelFor(testRoom))
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, testRoom, types.RoutingKeyAll(testRoom), "test-event", payload)
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope wireMessage
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, types.RoutingKeyAll(testRoom), envelope.RoutingKey)
	assert.Equal(t, "test-event", envelope.Event)
}

func TestPublishAs(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	target := types.ParticipantID("participant-target")

	sub := svc.Client().Subscribe(ctx, channelFor(testRoom))
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"msg": "direct"}
	err := svc.PublishAs(ctx, testRoom, types.RoutingKeyParticipant(testRoom, target), "direct-event", payload, "sender-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope wireMessage
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, "direct-event", envelope.Event)
	assert.Equal(t, "sender-1", envelope.SenderID)
	assert.Equal(t, types.RoutingKeyParticipant(testRoom, target), envelope.RoutingKey)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan types.BusMessage, 1)
	handler := func(m types.BusMessage) { received <- m }

	unsubscribe, err := svc.Subscribe(ctx, testRoom, handler)
	require.NoError(t, err)
	defer unsubscribe()

	time.Sleep(50 * time.Millisecond)

	wire := wireMessage{
		RoutingKey: types.RoutingKeyAll(testRoom),
		Event:      "hello",
		SenderID:   "sender-2",
	}
	data, _ := json.Marshal(wire)
	svc.Client().Publish(ctx, channelFor(testRoom), data)

	select {
	case m := <-received:
		assert.Equal(t, "hello", m.Event)
		assert.Equal(t, types.ParticipantID("sender-2"), m.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMatchesRoutingKey(t *testing.T) {
	p := types.ParticipantID("p1")
	assert.True(t, MatchesRoutingKey(types.RoutingKeyAll(testRoom), testRoom, p))
	assert.True(t, MatchesRoutingKey(types.RoutingKeyParticipant(testRoom, p), testRoom, p))
	assert.False(t, MatchesRoutingKey(types.RoutingKeyParticipant(testRoom, "other"), testRoom, p))
	assert.True(t, MatchesRoutingKey(types.RoutingKeyTopic(testRoom, "chat", "main"), testRoom, p))
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	mr.Close()

	ctx := context.Background()
	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, testRoom, types.RoutingKeyAll(testRoom), "event", map[string]string{})
	}

	err := svc.Publish(ctx, testRoom, types.RoutingKeyAll(testRoom), "event", map[string]string{})
	_ = err
}
