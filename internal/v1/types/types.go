// Package types defines shared identifiers, domain values, and the
// interfaces that let the runner, room, and module packages depend on
// each other without import cycles.
package types

import (
	"context"
	"encoding/json"
	"time"
)

// --- Opaque identifiers ---
//
// Every identifier in the signaling core is an opaque value. ParticipantId
// is allocated fresh on every join and never reused, even across
// reconnects of the same user; see the design notes on participant vs.
// connection lifetime.

// ParticipantID identifies one active connection to a room.
type ParticipantID string

// RoomID identifies a durable room.
type RoomID string

// BreakoutID optionally identifies a breakout room nested under a RoomID.
type BreakoutID string

// SignalingRoomID is the (RoomID, breakout) pair that shared room state is
// actually keyed under.
type SignalingRoomID struct {
	Room     RoomID     `json:"room"`
	Breakout BreakoutID `json:"breakout,omitempty"`
}

// String renders the KVS/BUS key fragment for this room id.
func (s SignalingRoomID) String() string {
	if s.Breakout == "" {
		return string(s.Room)
	}
	return string(s.Room) + ":" + string(s.Breakout)
}

// UserID identifies a durable, authenticated user. Empty for guests.
type UserID string

// LegalVoteID identifies one legal-vote session.
type LegalVoteID string

// PollID identifies one poll session.
type PollID string

// TimerID identifies one timer session.
type TimerID string

// GroupID identifies a chat group/topic.
type GroupID string

// VoteToken is a short opaque token minted for pseudonymous legal votes.
type VoteToken string

// DisplayName is the human-readable name shown for a participant.
type DisplayName string

// Role is a participant's permission level within a room.
type Role string

const (
	// RoleGuest is an unauthenticated participant with no elevated rights.
	RoleGuest Role = "guest"
	// RoleUser is an authenticated participant with no elevated rights.
	RoleUser Role = "user"
	// RoleModerator can issue moderator-only commands.
	RoleModerator Role = "moderator"
)

// ParticipantKind distinguishes how a participant joined.
type ParticipantKind string

const (
	KindUser     ParticipantKind = "user"
	KindGuest    ParticipantKind = "guest"
	KindSIP      ParticipantKind = "sip"
	KindRecorder ParticipantKind = "recorder"
)

// Attributes is the per-participant attribute map stored in the KVS under
// signaling:room={r}:participant={p}:attributes. Module-scoped attributes
// (e.g. media_state) live alongside the control attributes below under
// their own map keys.
type Attributes struct {
	DisplayName DisplayName           `json:"display_name"`
	Role        Role                  `json:"role"`
	HandRaised  bool                  `json:"hand_raised"`
	JoinedAt    time.Time             `json:"joined_at"`
	Kind        ParticipantKind       `json:"kind"`
	AvatarURL   string                `json:"avatar_url,omitempty"`
	UserID      UserID                `json:"user_id,omitempty"`
	IsPresenter bool                  `json:"is_presenter,omitempty"`
	MediaState  map[string]MediaState `json:"media_state,omitempty"`
}

// MediaState is the publicly visible state of one of a participant's
// published media sessions, keyed by MediaSessionType in Attributes.
type MediaState struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// IsAuthenticated reports whether the participant is backed by a durable
// user account rather than a guest ticket.
func (a Attributes) IsAuthenticated() bool {
	return a.Kind != KindGuest && a.UserID != ""
}

// Envelope is the wire format for every WebSocket frame in both
// directions: {"namespace": "<module>", "payload": <module-defined>}.
type Envelope struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it for the given namespace.
func NewEnvelope(namespace string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Namespace: namespace, Payload: raw}, nil
}

// TokenValidator authenticates a bearer token into verified claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*ValidatedClaims, error)
}

// ValidatedClaims is the subset of a verified access token the runtime
// cares about.
type ValidatedClaims struct {
	Subject string
	Name    string
	Email   string
	Scope   string
}

// ErrorKind is the outgoing error taxonomy every module error maps into.
type ErrorKind string

const (
	ErrInsufficientPermissions ErrorKind = "insufficient_permissions"
	ErrInvalidSelection        ErrorKind = "invalid_selection"
	ErrInvalidOption           ErrorKind = "invalid_option"
	ErrInvalidVoteID           ErrorKind = "invalid_vote_id"
	ErrIneligible              ErrorKind = "ineligible"
	ErrVoteAlreadyActive       ErrorKind = "vote_already_active"
	ErrNoVoteActive            ErrorKind = "no_vote_active"
	ErrAllowlistContainsGuests ErrorKind = "allowlist_contains_guests"
	ErrInconsistency           ErrorKind = "inconsistency"
	ErrBadRequest              ErrorKind = "bad_request"
	ErrInternal                ErrorKind = "internal"
	ErrTimeout                 ErrorKind = "timeout"
	ErrCouldNotAcquireLock     ErrorKind = "could_not_acquire_lock"
	ErrPermissionDenied        ErrorKind = "permission_denied"
	ErrInvalidSdpOffer         ErrorKind = "invalid_sdp_offer"
	ErrHandleSdpAnswer         ErrorKind = "handle_sdp_answer"
	ErrInvalidCandidate        ErrorKind = "invalid_candidate"
	ErrInvalidEndOfCandidates  ErrorKind = "invalid_end_of_candidates"
	ErrInvalidRequestOffer     ErrorKind = "invalid_request_offer"
	ErrInvalidConfigureRequest ErrorKind = "invalid_configure_request"
	ErrAbstainDisabled         ErrorKind = "abstain_disabled"
	ErrVoteCountInconsistent   ErrorKind = "vote_count_inconsistent"
)

// ModuleError is the structured error a module hands back to the runner
// to be surfaced to the issuing client only (never broadcast).
type ModuleError struct {
	Kind   ErrorKind `json:"error"`
	Detail string    `json:"detail,omitempty"`
	Fields []string  `json:"fields,omitempty"`
	Fatal  bool      `json:"-"`
}

func (e *ModuleError) Error() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

// NewModuleError builds a non-fatal outgoing error.
func NewModuleError(kind ErrorKind, detail string) *ModuleError {
	return &ModuleError{Kind: kind, Detail: detail}
}

// ClientConn is the minimal surface the runner needs from a transport
// connection; satisfied by *transport.wsConn in production and by fakes in
// tests.
type ClientConn interface {
	ParticipantID() ParticipantID
	Role() Role
	SendEnvelope(namespace string, payload any) error
	Close(reason string) error
}

// BusService is the fan-out publish/subscribe surface the runner and
// modules use to reach other connections, on this instance or another.
type BusService interface {
	Publish(ctx context.Context, room SignalingRoomID, routingKey string, event string, payload any) error
	Subscribe(ctx context.Context, room SignalingRoomID, handler func(BusMessage)) (unsubscribe func(), err error)
	Close() error
}

// BusMessage is one fanned-out message as delivered to a subscriber.
type BusMessage struct {
	Room       SignalingRoomID `json:"room"`
	RoutingKey string          `json:"routing_key"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	SenderID   ParticipantID   `json:"sender_id,omitempty"`
}

// Routing key helpers.

// RoutingKeyAll is the key every participant's connection is bound to.
func RoutingKeyAll(room SignalingRoomID) string {
	return "room." + room.String() + ".all"
}

// RoutingKeyParticipant is the key only one participant's connection is
// bound to.
func RoutingKeyParticipant(room SignalingRoomID, p ParticipantID) string {
	return "room." + room.String() + ".participant." + string(p)
}

// RoutingKeyTopic is a module-registered topic binding, e.g. group chat.
func RoutingKeyTopic(room SignalingRoomID, namespace, topic string) string {
	return "room." + room.String() + ".topic." + namespace + "." + topic
}
