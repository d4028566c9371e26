// Package bus fans signaling events out across instances over Redis
// Pub/Sub. Every room is bound to exactly one channel; messages carry an
// explicit routing key so subscribers — and, before that, the publisher
// itself — know whether a message is meant for every participant, one
// participant, or one module's topic subscribers, without needing a
// channel per recipient.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/metrics"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// wireMessage is the envelope that actually crosses the Redis channel.
type wireMessage struct {
	RoutingKey string          `json:"routing_key"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	SenderID   string          `json:"sender_id,omitempty"`
}

// Service handles all interaction with the Redis Pub/Sub cluster. It
// implements types.BusService.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

var _ types.BusService = (*Service)(nil)

// Client returns the underlying Redis client, e.g. for health checks.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection for pub/sub fan-out, circuit
// breaker attached.
func NewService(addr, password string, logger *zap.Logger) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	})

	logger.Info("connected to redis pub/sub", zap.String("addr", addr))
	return &Service{client: rdb, cb: cb, logger: logger}, nil
}

func channelFor(room types.SignalingRoomID) string {
	return "signaling:room:" + room.String() + ":bus"
}

// Publish fans a message out to this room's channel, tagged with the
// routing key that tells subscribers who it is for. routingKey is one of
// types.RoutingKeyAll/RoutingKeyParticipant/RoutingKeyTopic.
func (s *Service) Publish(ctx context.Context, room types.SignalingRoomID, routingKey, event string, payload any) error {
	return s.publish(ctx, channelFor(room), wireMessage{RoutingKey: routingKey, Event: event}, payload, "")
}

// PublishAs is Publish with an explicit sender id, so a subscriber can
// filter out its own echo.
func (s *Service) PublishAs(ctx context.Context, room types.SignalingRoomID, routingKey, event string, payload any, senderID types.ParticipantID) error {
	return s.publish(ctx, channelFor(room), wireMessage{RoutingKey: routingKey, Event: event}, payload, string(senderID))
}

func (s *Service) publish(ctx context.Context, channel string, msg wireMessage, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = inner
		msg.SenderID = senderID

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			s.logger.Warn("redis circuit open: dropping publish", zap.String("channel", channel))
			return nil
		}
		s.logger.Error("redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens for messages fanned out to room from other instances
// and invokes handler for each one until ctx is cancelled or unsubscribe
// is called. It is the caller's responsibility to filter delivered
// messages by routing key (e.g. ignore anything not matching this room's
// "all" key plus this connection's own participant key).
func (s *Service) Subscribe(ctx context.Context, room types.SignalingRoomID, handler func(types.BusMessage)) (func(), error) {
	if s == nil || s.client == nil {
		return func() {}, nil
	}

	channel := channelFor(room)
	pubsub := s.client.Subscribe(ctx, channel)
	done := make(chan struct{})

	go func() {
		defer pubsub.Close()
		s.logger.Info("subscribed to redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					s.logger.Warn("redis subscription channel closed", zap.String("channel", channel))
					return
				}
				var wire wireMessage
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					s.logger.Error("failed to unmarshal redis message", zap.Error(err))
					continue
				}
				handler(types.BusMessage{
					Room:       room,
					RoutingKey: wire.RoutingKey,
					Event:      wire.Event,
					Payload:    wire.Payload,
					SenderID:   types.ParticipantID(wire.SenderID),
				})
			}
		}
	}()

	return func() { close(done) }, nil
}

// MatchesRoutingKey reports whether a delivered message's routing key is
// the room-wide key, this participant's key, or a prefix of the given
// topic key — the local filtering step every Subscribe caller performs.
func MatchesRoutingKey(key string, room types.SignalingRoomID, participant types.ParticipantID) bool {
	if key == types.RoutingKeyAll(room) {
		return true
	}
	if key == types.RoutingKeyParticipant(room, participant) {
		return true
	}
	return strings.HasPrefix(key, "room."+room.String()+".topic.")
}

// Ping checks Redis connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
