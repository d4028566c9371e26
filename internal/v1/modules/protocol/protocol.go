// Package protocol is a thin proxy in front of an external collaborative
// notes backend (Etherpad-shaped). It provisions a single
// shared document on first join, guarded by the distributed lock so
// concurrent joiners don't double-provision, and exposes a read/write
// URL plus a session token. No further signaling traffic flows through
// the core once provisioned.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "protocol"

// Provisioner allocates (or fetches) a shared notes document and mints a
// per-participant session token against the external backend.
type Provisioner interface {
	Provision(ctx context.Context, room types.RoomID) (readURL, writeURL string, err error)
	SessionToken(ctx context.Context, room types.RoomID, participant types.ParticipantID) (string, error)
}

// FrontendData is the provisioning result handed to the client.
type FrontendData struct {
	ReadURL      string `json:"read_url"`
	WriteURL     string `json:"write_url"`
	SessionToken string `json:"session_token"`
}

type Initialize struct{}
type ErrorMsg struct{ Error string `json:"error"` }

type doc struct {
	ReadURL  string `json:"read_url"`
	WriteURL string `json:"write_url"`
}

func docKey(room types.SignalingRoomID) string {
	return "signaling:room=" + room.String() + ":protocol:doc"
}
func lockName(room types.SignalingRoomID) string {
	return "signaling:room=" + room.String() + ":protocol:lock"
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
		ctx.Send(Namespace, ErrorMsg{Error: "notes backend not configured"})
		return nil
	}

	d, err := m.existingDoc(ctx)
	if err != nil {
		return err
	}
	if d == nil {
		held, lockErr := ctx.KVS.Lock(lockName(ctx.Room)).Acquire(ctx)
		if lockErr != nil {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrCouldNotAcquireLock)})
			return nil
		}
		defer func() { _ = held.Unlock(ctx) }()

		d, err = m.existingDoc(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			readURL, writeURL, provErr := m.provisioner.Provision(ctx, ctx.Room.Room)
			if provErr != nil {
				return fmt.Errorf("protocol: provision: %w", provErr)
			}
			d = &doc{ReadURL: readURL, WriteURL: writeURL}
			encoded, _ := json.Marshal(d)
			if setErr := ctx.KVS.Set(ctx, docKey(ctx.Room), string(encoded), 0); setErr != nil {
				return fmt.Errorf("protocol: persist doc: %w", setErr)
			}
		}
	}

	token, err := m.provisioner.SessionToken(ctx, ctx.Room.Room, ctx.ParticipantID)
	if err != nil {
		return fmt.Errorf("protocol: session token: %w", err)
	}
	ctx.Send(Namespace, FrontendData{ReadURL: d.ReadURL, WriteURL: d.WriteURL, SessionToken: token})
	return nil
}

func (m *Module) existingDoc(ctx *module.Context) (*doc, error) {
	raw, err := ctx.KVS.Get(ctx, docKey(ctx.Room))
	if err != nil {
		return nil, nil
	}
	var d doc
	if json.Unmarshal([]byte(raw), &d) != nil {
		return nil, nil
	}
	return &d, nil
}
