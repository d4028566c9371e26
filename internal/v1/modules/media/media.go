// Package media relays SDP and ICE between a client and the SFU, tracks
// each participant's published streams, enforces presenter-role policy,
// and relays moderator mute requests. Publisher/subscriber handles are
// connection-local maps; the session's durable media_state lives on the
// participant's shared attributes.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
	"github.com/ricoschulte/opentalk-controller-sub002/pkg/sfu"
)

// Namespace is this module's compile-time dispatch key.
const Namespace = "media"

// SFUClient is the subset of *sfu.Client this module needs, narrowed to
// an interface so tests can substitute a fake.
type SFUClient interface {
	Publish(ctx context.Context, req sfu.PublishRequest) (*sfu.PublishResponse, error)
	Unpublish(ctx context.Context, req sfu.UnpublishRequest) error
	Subscribe(ctx context.Context, req sfu.SubscribeRequest) (*sfu.SubscribeResponse, error)
	SdpAnswer(ctx context.Context, req sfu.SdpAnswerRequest) error
	Candidate(ctx context.Context, req sfu.CandidateRequest) error
	Configure(ctx context.Context, req sfu.ConfigureRequest) error
	ListenEvents(ctx context.Context, req sfu.ListenRequest) (sfu.EventStream, error)
}

// --- Incoming ---

type Publish struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type PublishComplete struct {
	Type  string           `json:"type"`
	State types.MediaState `json:"state"`
}

type UpdateMediaSession struct {
	Type  string           `json:"type"`
	State types.MediaState `json:"state"`
}

type Unpublish struct {
	Type string `json:"type"`
}

type Subscribe struct {
	Target       types.ParticipantID `json:"target"`
	Type         string              `json:"type"`
	WithoutVideo bool                `json:"without_video"`
}

type SdpAnswer struct {
	Target types.ParticipantID `json:"target"`
	Type   string              `json:"type"`
	SDP    string              `json:"sdp"`
}

type SdpCandidate struct {
	Target    types.ParticipantID `json:"target,omitempty"`
	Type      string              `json:"type"`
	Candidate string              `json:"candidate"`
}

type SdpEndOfCandidates struct {
	Target types.ParticipantID `json:"target,omitempty"`
	Type   string              `json:"type"`
}

type Configure struct {
	Target    types.ParticipantID `json:"target"`
	Type      string              `json:"type"`
	Video     *bool               `json:"video,omitempty"`
	Substream *int                `json:"substream,omitempty"`
}

type ModeratorMute struct {
	Targets []types.ParticipantID `json:"targets"`
	Force   bool                  `json:"force"`
}

type GrantPresenterRole struct {
	ParticipantIDs []types.ParticipantID `json:"participant_ids"`
}

type RevokePresenterRole struct {
	ParticipantIDs []types.ParticipantID `json:"participant_ids"`
}

// --- Outgoing ---

type OutSdpAnswer struct {
	SDP    string `json:"sdp"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

type OutSdpOffer struct {
	SDP    string              `json:"sdp"`
	Source types.ParticipantID `json:"source"`
	Type   string              `json:"type"`
}

type WebRtcUp struct {
	Type string `json:"type"`
}

type WebRtcDown struct {
	Type string `json:"type"`
}

type Media struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	Receiving bool   `json:"receiving"`
}

type WebRtcSlow struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

type RequestMute struct {
	Issuer types.ParticipantID `json:"issuer"`
	Force  bool                `json:"force"`
}

type ErrorMsg struct {
	Error string `json:"error"`
}

func attributesKey(room types.SignalingRoomID, p types.ParticipantID) string {
	return "signaling:room=" + room.String() + ":participant=" + string(p) + ":attributes"
}

// Module implements module.SignalingModule. Publisher/subscriber handles
// are connection-local; no external synchronization is needed for them
// beyond the mutex guarding this struct's maps against the runner's
// single-threaded-per-connection dispatch plus any SFU-event goroutine
// delivering through EventExt.
type Module struct {
	client SFUClient

	mu          sync.Mutex
	publishers  map[string]struct{}
	subscribers map[subKey]struct{}
}

type subKey struct {
	target types.ParticipantID
	typ    string
}

// New returns a Factory backed by client.
func New(client SFUClient) module.Factory {
	return func() module.SignalingModule {
		return &Module{client: client, publishers: map[string]struct{}{}, subscribers: map[subKey]struct{}{}}
	}
}

func (m *Module) Namespace() string { return Namespace }

// Init opens this participant's asynchronous SFU event stream and
// registers it as an ext stream so webrtc_up/down, media, and slow_link
// events surface through OnEvent for the connection's whole lifetime.
// A stream that fails to open degrades gracefully: publish/subscribe
// still work, the connection just never learns of SFU-side transitions.
func (m *Module) Init(ctx *module.Context) (module.SignalingModule, error) {
	stream, err := m.client.ListenEvents(ctx, sfu.ListenRequest{
		ParticipantID: string(ctx.ParticipantID),
		RoomID:        string(ctx.Room.Room),
	})
	if err != nil {
		return m, nil
	}

	events := make(chan any, 8)
	go func() {
		defer close(events)
		for {
			ev, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	ctx.RegisterExtStream(events)
	return m, nil
}

type incoming struct {
	Action string `json:"action"`
}

func (m *Module) OnEvent(ctx *module.Context, event module.Event) error {
	switch event.Kind {
	case module.EventWsMessage:
		return m.onMessage(ctx, event.Raw)
	case module.EventParticipantLeft:
		m.dropSubscribersOf(event.Participant)
		return nil
	case module.EventParticipantUpdated:
		return m.pruneStaleSubscribers(ctx, event)
	case module.EventExt:
		if ev, ok := event.Ext.(sfu.Event); ok {
			return m.onSFUEvent(ctx, ev)
		}
	}
	return nil
}

func (m *Module) OnDestroy(ctx *module.Context, destroyRoom bool) {
	m.mu.Lock()
	pubTypes := make([]string, 0, len(m.publishers))
	for t := range m.publishers {
		pubTypes = append(pubTypes, t)
	}
	m.mu.Unlock()
	for _, t := range pubTypes {
		_ = m.client.Unpublish(ctx, sfu.UnpublishRequest{ParticipantID: string(ctx.ParticipantID), RoomID: string(ctx.Room.Room), Type: t})
	}
}

func (m *Module) onMessage(ctx *module.Context, raw json.RawMessage) error {
	var in incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return &types.ModuleError{Kind: types.ErrBadRequest}
	}
	switch in.Action {
	case "publish":
		var p Publish
		if err := json.Unmarshal(raw, &p); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.publish(ctx, p)
	case "publish_complete":
		var p PublishComplete
		if err := json.Unmarshal(raw, &p); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.updateMediaState(ctx, p.Type, p.State)
	case "update_media_session":
		var u UpdateMediaSession
		if err := json.Unmarshal(raw, &u); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.updateMediaState(ctx, u.Type, u.State)
	case "unpublish":
		var u Unpublish
		if err := json.Unmarshal(raw, &u); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.unpublish(ctx, u.Type)
	case "subscribe":
		var s Subscribe
		if err := json.Unmarshal(raw, &s); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.subscribe(ctx, s)
	case "sdp_answer":
		var a SdpAnswer
		if err := json.Unmarshal(raw, &a); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.sdpAnswer(ctx, a)
	case "sdp_candidate":
		var c SdpCandidate
		if err := json.Unmarshal(raw, &c); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.candidate(ctx, c.Target, c.Type, c.Candidate, false)
	case "sdp_end_of_candidates":
		var c SdpEndOfCandidates
		if err := json.Unmarshal(raw, &c); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.candidate(ctx, c.Target, c.Type, "", true)
	case "configure":
		var c Configure
		if err := json.Unmarshal(raw, &c); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.configure(ctx, c)
	case "moderator_mute":
		if ctx.Role != types.RoleModerator {
			return &types.ModuleError{Kind: types.ErrPermissionDenied}
		}
		var mm ModeratorMute
		if err := json.Unmarshal(raw, &mm); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.moderatorMute(ctx, mm)
	case "grant_presenter_role":
		if ctx.Role != types.RoleModerator {
			return &types.ModuleError{Kind: types.ErrPermissionDenied}
		}
		var g GrantPresenterRole
		if err := json.Unmarshal(raw, &g); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.setPresenter(ctx, g.ParticipantIDs, true)
	case "revoke_presenter_role":
		if ctx.Role != types.RoleModerator {
			return &types.ModuleError{Kind: types.ErrPermissionDenied}
		}
		var r RevokePresenterRole
		if err := json.Unmarshal(raw, &r); err != nil {
			return &types.ModuleError{Kind: types.ErrBadRequest}
		}
		return m.setPresenter(ctx, r.ParticipantIDs, false)
	}
	return nil
}

func (m *Module) publish(ctx *module.Context, p Publish) error {
	m.mu.Lock()
	if _, exists := m.publishers[p.Type]; exists {
		m.mu.Unlock()
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSdpOffer)})
		return nil
	}
	m.publishers[p.Type] = struct{}{}
	m.mu.Unlock()

	resp, err := m.client.Publish(ctx, sfu.PublishRequest{
		ParticipantID: string(ctx.ParticipantID),
		RoomID:        string(ctx.Room.Room),
		Type:          p.Type,
		SDP:           p.SDP,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.publishers, p.Type)
		m.mu.Unlock()
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidSdpOffer)})
		return nil
	}
	ctx.Send(Namespace, OutSdpAnswer{SDP: resp.SDPAnswer, Source: string(ctx.ParticipantID), Type: p.Type})
	return nil
}

func (m *Module) updateMediaState(ctx *module.Context, typ string, state types.MediaState) error {
	raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, ctx.ParticipantID))
	if err != nil {
		return fmt.Errorf("media: read attributes: %w", err)
	}
	var attrs types.Attributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return fmt.Errorf("media: decode attributes: %w", err)
	}
	if attrs.MediaState == nil {
		attrs.MediaState = map[string]types.MediaState{}
	}
	attrs.MediaState[typ] = state
	return m.saveAttributesAndBroadcast(ctx, attrs)
}

func (m *Module) unpublish(ctx *module.Context, typ string) error {
	m.mu.Lock()
	delete(m.publishers, typ)
	m.mu.Unlock()

	if err := m.client.Unpublish(ctx, sfu.UnpublishRequest{ParticipantID: string(ctx.ParticipantID), RoomID: string(ctx.Room.Room), Type: typ}); err != nil {
		return fmt.Errorf("media: unpublish: %w", err)
	}

	raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, ctx.ParticipantID))
	if err != nil {
		return nil
	}
	var attrs types.Attributes
	if json.Unmarshal([]byte(raw), &attrs) != nil {
		return nil
	}
	delete(attrs.MediaState, typ)
	return m.saveAttributesAndBroadcast(ctx, attrs)
}

func (m *Module) saveAttributesAndBroadcast(ctx *module.Context, attrs types.Attributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("media: encode attributes: %w", err)
	}
	if err := ctx.KVS.HSet(ctx, attributesKey(ctx.Room, ctx.ParticipantID), map[string]string{"attrs": string(data)}); err != nil {
		return fmt.Errorf("media: persist attributes: %w", err)
	}
	return ctx.Publish(types.RoutingKeyAll(ctx.Room), "participant_updated", struct {
		Participant types.ParticipantID `json:"participant"`
		MediaState  map[string]types.MediaState `json:"media_state"`
	}{Participant: ctx.ParticipantID, MediaState: attrs.MediaState})
}

func (m *Module) subscribe(ctx *module.Context, s Subscribe) error {
	if s.Type == "screen" {
		presenter, err := m.isPresenter(ctx, s.Target)
		if err != nil {
			return err
		}
		if !presenter {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrPermissionDenied)})
			return nil
		}
	}

	resp, err := m.client.Subscribe(ctx, sfu.SubscribeRequest{
		ParticipantID: string(ctx.ParticipantID),
		RoomID:        string(ctx.Room.Room),
		Target:        string(s.Target),
		Type:          s.Type,
		WithoutVideo:  s.WithoutVideo,
	})
	if err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidRequestOffer)})
		return nil
	}
	m.mu.Lock()
	m.subscribers[subKey{target: s.Target, typ: s.Type}] = struct{}{}
	m.mu.Unlock()
	ctx.Send(Namespace, OutSdpOffer{SDP: resp.SDPOffer, Source: s.Target, Type: s.Type})
	return nil
}

func (m *Module) isPresenter(ctx *module.Context, target types.ParticipantID) (bool, error) {
	raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, target))
	if err != nil {
		return false, nil
	}
	var attrs types.Attributes
	if json.Unmarshal([]byte(raw), &attrs) != nil {
		return false, nil
	}
	return attrs.IsPresenter, nil
}

func (m *Module) sdpAnswer(ctx *module.Context, a SdpAnswer) error {
	if err := m.client.SdpAnswer(ctx, sfu.SdpAnswerRequest{
		ParticipantID: string(ctx.ParticipantID),
		RoomID:        string(ctx.Room.Room),
		Target:        string(a.Target),
		Type:          a.Type,
		SDP:           a.SDP,
	}); err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrHandleSdpAnswer)})
	}
	return nil
}

func (m *Module) candidate(ctx *module.Context, target types.ParticipantID, typ, candidate string, end bool) error {
	err := m.client.Candidate(ctx, sfu.CandidateRequest{
		ParticipantID:   string(ctx.ParticipantID),
		RoomID:          string(ctx.Room.Room),
		Target:          string(target),
		Type:            typ,
		Candidate:       candidate,
		EndOfCandidates: end,
	})
	if err != nil {
		if end {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidEndOfCandidates)})
		} else {
			ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidCandidate)})
		}
	}
	return nil
}

func (m *Module) configure(ctx *module.Context, c Configure) error {
	if err := m.client.Configure(ctx, sfu.ConfigureRequest{
		ParticipantID: string(ctx.ParticipantID),
		RoomID:        string(ctx.Room.Room),
		Target:        string(c.Target),
		Type:          c.Type,
		Video:         c.Video,
		Substream:     c.Substream,
	}); err != nil {
		ctx.Send(Namespace, ErrorMsg{Error: string(types.ErrInvalidConfigureRequest)})
	}
	return nil
}

func (m *Module) moderatorMute(ctx *module.Context, mm ModeratorMute) error {
	for _, target := range mm.Targets {
		if err := ctx.Publish(types.RoutingKeyParticipant(ctx.Room, target), "request_mute", RequestMute{Issuer: ctx.ParticipantID, Force: mm.Force}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) setPresenter(ctx *module.Context, ids []types.ParticipantID, presenter bool) error {
	for _, p := range ids {
		raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, p))
		if err != nil {
			continue
		}
		var attrs types.Attributes
		if json.Unmarshal([]byte(raw), &attrs) != nil {
			continue
		}
		attrs.IsPresenter = presenter
		data, _ := json.Marshal(attrs)
		if err := ctx.KVS.HSet(ctx, attributesKey(ctx.Room, p), map[string]string{"attrs": string(data)}); err != nil {
			return fmt.Errorf("media: persist presenter flag: %w", err)
		}
		if err := ctx.Publish(types.RoutingKeyAll(ctx.Room), "participant_updated", struct {
			Participant types.ParticipantID `json:"participant"`
			IsPresenter bool                `json:"is_presenter"`
		}{Participant: p, IsPresenter: presenter}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) dropSubscribersOf(target types.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.subscribers {
		if k.target == target {
			delete(m.subscribers, k)
		}
	}
}

func (m *Module) pruneStaleSubscribers(ctx *module.Context, event module.Event) error {
	raw, err := ctx.KVS.Get(ctx, attributesKey(ctx.Room, event.Participant))
	if err != nil {
		return nil
	}
	var attrs types.Attributes
	if json.Unmarshal([]byte(raw), &attrs) != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.subscribers {
		if k.target != event.Participant {
			continue
		}
		if _, stillPublished := attrs.MediaState[k.typ]; !stillPublished {
			delete(m.subscribers, k)
		}
	}
	return nil
}

func (m *Module) onSFUEvent(ctx *module.Context, ev sfu.Event) error {
	switch ev.Kind {
	case sfu.EventWebRtcUp:
		ctx.Send(Namespace, WebRtcUp{Type: ev.Type})
	case sfu.EventWebRtcDown:
		m.mu.Lock()
		delete(m.publishers, ev.Type)
		m.mu.Unlock()
		ctx.Send(Namespace, WebRtcDown{Type: ev.Type})
	case sfu.EventMedia:
		ctx.Send(Namespace, Media{Type: ev.Type, Kind: ev.Media, Receiving: ev.Receiving})
	case sfu.EventSlowLink:
		ctx.Send(Namespace, WebRtcSlow{Type: ev.Type, Direction: ev.Direction})
	}
	return nil
}
