// Package whiteboard is a thin proxy in front of an external
// collaborative-editing backend (Spacedeck-shaped). It provisions a per-room
// document exactly once, guarded by the distributed lock, and carries no
// further signaling traffic — editing happens out of band against the
// provisioned URL.
package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "whiteboard"

// Provisioner allocates (or fetches) a document URL from the external
// collaborative-editing backend. SpacedeckProvisioner in this package is
// the production implementation.
type Provisioner interface {
	Provision(ctx context.Context, room types.RoomID) (url string, accessLevel string, err error)
}

// FrontendData is the provisioning result handed to the client.
type FrontendData struct {
	URL         string `json:"url"`
	AccessLevel string `json:"access_level"`
}

type Initialize struct{}
type ErrorMsg struct{ Error string `json:"error"` }

func docKey(room types.SignalingRoomID) string {
	return "signaling:room=" + room.String() + ":whiteboard:doc"
}
func lockName(room types.SignalingRoomID) string {
	return "signaling:room=" + room.String() + ":whiteboard:lock"
}

// Module implements module.SignalingModule.
type Module struct {
	provisioner Provisioner
}

// New returns a Factory backed by provisioner.
func New(provisioner Provisioner) module.Factory {
	return func() module.SignalingModule { return &Module{provisioner: provisioner} }
}

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) { return m, nil }

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	if event.Kind != module.EventWsMessage {
		return nil
	}
	var in struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(event.Raw, &in); err != nil {
		return &types.ModuleError{Kind: types.ErrBadRequest}
	}
	if in.Action != "initialize" {
		return nil
	}
	return m.initialize(ctx)
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	if destroyRoom {
		_ = ctx.KVS.Del(ctx, docKey(ctx.Room))
	}
}

func (m *Module) initialize(ctx *module.Context) error {
	if m.provisioner == nil {
		ctx.Send(Namespace, ErrorMsg{Error: "whiteboard backend not configured"})
		return nil
	}

	if raw, err := ctx.KVS.Get(ctx, docKey(ctx.Room)); err == nil {
		var data FrontendData
		if json.Unmarshal([]byte(raw), &data) == nil {
			ctx.Send(Namespace, data)
			return nil
		}
	}

	held, err := ctx.KVS.Lock(lockName(ctx.Room)).Acquire(ctx)
	if err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrCouldNotAcquireLock)})
		return nil
	}
	defer func() { _ = held.Unlock(ctx) }()

	if raw, err := ctx.KVS.Get(ctx, docKey(ctx.Room)); err == nil {
		var data FrontendData
		if json.Unmarshal([]byte(raw), &data) == nil {
			ctx.Send(Namespace, data)
			return nil
		}
	}

	url, access, err := m.provisioner.Provision(ctx, ctx.Room.Room)
	if err != nil {
		return fmt.Errorf("whiteboard: provision: %w", err)
	}
	data := FrontendData{URL: url, AccessLevel: access}
	encoded, _ := json.Marshal(data)
	if err := ctx.KVS.Set(ctx, docKey(ctx.Room), string(encoded), 0); err != nil {
		return fmt.Errorf("whiteboard: persist doc: %w", err)
	}
	ctx.Send(Namespace, data)
	return nil
}
