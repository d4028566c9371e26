// Package timer implements a moderator-started countdown or stopwatch
// with optional per-participant ready acknowledgement.
package timer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"k8s.io/utils/clock"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "timer"

// Kind selects countdown vs. stopwatch behavior.
type Kind string

const (
	KindCountdown Kind = "countdown"
	KindStopwatch Kind = "stopwatch"
)

// Start is the incoming moderator command that begins a timer.
type Start struct {
	Kind     Kind           `json:"kind"`
	Duration *time.Duration `json:"duration,omitempty"`
	Title    string         `json:"title,omitempty"`
	Style    string         `json:"style,omitempty"`
}

// ReadyStatus is the incoming participant ready/not-ready toggle.
type ReadyStatus struct {
	Ready bool `json:"ready"`
}

// Stop is the incoming moderator stop command.
type Stop struct{}

type Config struct {
	Kind     Kind           `json:"kind"`
	Duration *time.Duration `json:"duration,omitempty"`
	Title    string         `json:"title,omitempty"`
	Style    string         `json:"style,omitempty"`
}

type Started struct{ Config Config `json:"config"` }
type Stopped struct{ Reason string `json:"reason"` }
type ReadyStatusUpdated struct {
	Participant types.ParticipantID `json:"participant"`
	Ready       bool                `json:"ready"`
}

func keyPrefix(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":timer:" }
func configKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "config" }
func readyKey(room types.SignalingRoomID, p types.ParticipantID) string {
	return keyPrefix(room) + "ready:" + string(p)
}

// Module implements module.SignalingModule.
type Module struct {
	clock clock.Clock
}

// New is this module's Factory.
func New() module.SignalingModule { return &Module{clock: clock.RealClock{}} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) { return m, nil }

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	switch event.Kind {
	case module.EventWsMessage:
		return m.onMessage(ctx, event.Raw)
	case module.EventLeaving:
		return ctx.KVS.Del(ctx, readyKey(ctx.Room, ctx.ParticipantID))
	case module.EventExt:
		if reason, ok := event.Ext.(string); ok && reason == "expired" {
			return m.stop(ctx, "expired")
		}
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if destroyRoom {
		_ = ctx.KVS.Del(ctx, configKey(ctx.Room))
	}
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
			return &types.ModuleError{Kind: types.ErrInsufficientPermissions}
		}
		var s Start
		if err := json.Unmarshal(raw, &s); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.start(ctx, s)
	case "ready_status":
		var r ReadyStatus
		if err := json.Unmarshal(raw, &r); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.setReady(ctx, r)
	case "stop":
		if ctx.Role != types.RoleModerator {
			return &types.ModuleError{Kind: types.ErrInsufficientPermissions}
		}
		return m.stop(ctx, "stopped")
	}
	return nil
}

func (m *Module) start(ctx *module.Context, s Start) error {
	cfg := Config{Kind: s.Kind, Duration: s.Duration, Title: s.Title, Style: s.Style}
	data, _ := json.Marshal(cfg)
	ttl := time.Duration(0)
	if s.Kind == KindCountdown && s.Duration != nil {
		ttl = *s.Duration
	}
	if err := ctx.KVS.Set(ctx, configKey(ctx.Room), string(data), ttl); err != nil {
		return fmt.Errorf("timer: persist config: %w", err)
	}
	if s.Kind == KindCountdown && s.Duration != nil {
		ctx.RegisterExpiryTimer(m.clock, *s.Duration, "expired")
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "started", Started{Config: cfg})
}

func (m *Module) setReady(ctx *module.Context, r ReadyStatus) error {
	if err := ctx.KVS.Set(ctx, readyKey(ctx.Room, ctx.ParticipantID), boolStr(r.Ready), 0); err != nil {
		return fmt.Errorf("timer: set ready: %w", err)
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "ready_status_updated", ReadyStatusUpdated{Participant: ctx.ParticipantID, Ready: r.Ready})
}

func (m *Module) stop(ctx *module.Context, reason string) error {
	_ = ctx.KVS.Del(ctx, configKey(ctx.Room))
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "stopped", Stopped{Reason: reason})
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
