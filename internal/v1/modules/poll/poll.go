// Package poll implements a moderator-owned single-question poll with a
// fixed duration.
package poll

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"k8s.io/utils/clock"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "poll"

// Choice is one selectable option.
type Choice struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// Start is the incoming moderator command that opens a poll.
type Start struct {
	Topic    string        `json:"topic"`
	Choices  []Choice      `json:"choices"`
	Duration time.Duration `json:"duration"`
	Live     bool          `json:"live"`
}

// VoteMsg is the incoming participant ballot.
type VoteMsg struct {
	ChoiceID int `json:"choice_id"`
}

// Config is the outgoing public poll description.
type Config struct {
	Topic    string        `json:"topic"`
	Choices  []Choice      `json:"choices"`
	Duration time.Duration `json:"duration"`
	Live     bool          `json:"live"`
}

type Started struct{ Config Config `json:"config"` }
type Updated struct{ Tally map[int]int64 `json:"tally"` }
type Done struct{ Results map[int]int64 `json:"results"` }
type ErrorMsg struct{ Error string `json:"error"` }

func keyPrefix(room types.SignalingRoomID) string { return "signaling:room=" + room.String() + ":poll:" }
func configKey(room types.SignalingRoomID) string { return keyPrefix(room) + "config" }
func tallyKey(room types.SignalingRoomID) string   { return keyPrefix(room) + "tally" }
func votersKey(room types.SignalingRoomID) string  { return keyPrefix(room) + "voters" }

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
	case module.EventExt:
		if reason, ok := event.Ext.(string); ok && reason == "expired" {
			return m.finish(ctx)
		}
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if destroyRoom {
		_ = ctx.KVS.Del(ctx, configKey(ctx.Room), tallyKey(ctx.Room), votersKey(ctx.Room))
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
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInsufficientPermissions)})
			return nil
		}
		var s Start
		if err := json.Unmarshal(raw, &s); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.start(ctx, s)
	case "vote":
		var v VoteMsg
		if err := json.Unmarshal(raw, &v); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.vote(ctx, v)
	}
	return nil
}

func (m *Module) start(ctx *module.Context, s Start) error {
	cfg := Config{Topic: s.Topic, Choices: s.Choices, Duration: s.Duration, Live: s.Live}
	data, _ := json.Marshal(cfg)
	if err := ctx.KVS.Set(ctx, configKey(ctx.Room), string(data), s.Duration); err != nil {
		return fmt.Errorf("poll: persist config: %w", err)
	}
	_ = ctx.KVS.Del(ctx, tallyKey(ctx.Room), votersKey(ctx.Room))
	if s.Duration > 0 {
		ctx.RegisterExpiryTimer(m.clock, s.Duration, "expired")
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "started", Started{Config: cfg})
}

func (m *Module) vote(ctx *module.Context, v VoteMsg) error {
	raw, err := ctx.KVS.Get(ctx, configKey(ctx.Room))
	if err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrNoVoteActive)})
		return nil
	}
	var cfg Config
	_ = json.Unmarshal([]byte(raw), &cfg)

	found := false
	for _, c := range cfg.Choices {
		if c.ID == v.ChoiceID {
			found = true
			break
		}
	}
	if !found {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidOption)})
		return nil
	}

	already, err := ctx.KVS.SIsMember(ctx, votersKey(ctx.Room), string(ctx.ParticipantID))
	if err == nil && already {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrIneligible)})
		return nil
	}
	_ = ctx.KVS.SAdd(ctx, votersKey(ctx.Room), string(ctx.ParticipantID))
	if _, err := ctx.KVS.ZIncrBy(ctx, tallyKey(ctx.Room), fmt.Sprintf("%d", v.ChoiceID), 1); err != nil {
		return fmt.Errorf("poll: tally: %w", err)
	}

	if cfg.Live {
		return ctx.Publish(types.RoutingKeyAll(ctx.Room), "updated", Updated{Tally: m.tally(ctx)})
	}
	return nil
}

func (m *Module) tally(ctx *module.Context) map[int]int64 {
	scores, err := ctx.KVS.ZRangeWithScores(ctx, tallyKey(ctx.Room), 0, -1)
	if err != nil {
		return nil
	}
	out := map[int]int64{}
	for member, score := range scores {
		var id int
		_, _ = fmt.Sscanf(member, "%d", &id)
		out[id] = int64(score)
	}
	return out
}

func (m *Module) finish(ctx *module.Context) error {
	results := m.tally(ctx)
	_ = ctx.KVS.Del(ctx, configKey(ctx.Room), tallyKey(ctx.Room), votersKey(ctx.Room))
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "done", Done{Results: results})
}
