// Package sfu is a hand-written client for the selective forwarding unit:
// a google.golang.org/grpc connection wrapped in a sony/gobreaker
// circuit breaker, calling Publish/Subscribe/Configure/Unpublish and
// carrying plain JSON-tagged structs over internal/v1/rpcjson instead of
// a generated protobuf stub (none exists for this service anywhere in
// the retrieval pack).
package sfu

import (
	"context"
	"io"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/metrics"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/rpcjson"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const serviceName = "sfu.v1.SFUService"

const (
	methodPublish      = "/" + serviceName + "/Publish"
	methodUnpublish    = "/" + serviceName + "/Unpublish"
	methodSubscribe    = "/" + serviceName + "/Subscribe"
	methodSdpAnswer    = "/" + serviceName + "/SdpAnswer"
	methodCandidate    = "/" + serviceName + "/Candidate"
	methodConfigure    = "/" + serviceName + "/Configure"
	methodListenEvents = "/" + serviceName + "/ListenEvents"
)

// PublishRequest asks the SFU to create a publisher handle for type on
// behalf of participant, offering sdp.
type PublishRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	Type          string `json:"type"`
	SDP           string `json:"sdp"`
}

// PublishResponse carries the SFU's SDP answer for the new publisher.
type PublishResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// UnpublishRequest tears down a previously created publisher handle.
type UnpublishRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	Type          string `json:"type"`
}

// SubscribeRequest asks the SFU to create a subscriber handle relaying
// target's published type stream to participant.
type SubscribeRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	Target        string `json:"target"`
	Type          string `json:"type"`
	WithoutVideo  bool   `json:"without_video"`
}

// SubscribeResponse carries the SFU's SDP offer for the new subscriber.
type SubscribeResponse struct {
	SDPOffer string `json:"sdp_offer"`
}

// SdpAnswerRequest completes a subscription with the client's SDP answer.
type SdpAnswerRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	Target        string `json:"target"`
	Type          string `json:"type"`
	SDP           string `json:"sdp"`
}

// CandidateRequest trickles ICE to the SFU, for either a publisher or a
// subscriber handle. EndOfCandidates signals trickle completion.
type CandidateRequest struct {
	ParticipantID   string `json:"participant_id"`
	RoomID          string `json:"room_id"`
	Target          string `json:"target,omitempty"`
	Type            string `json:"type"`
	Candidate       string `json:"candidate,omitempty"`
	EndOfCandidates bool   `json:"end_of_candidates"`
}

// ConfigureRequest changes simulcast layer or toggles video relay on an
// existing subscriber handle.
type ConfigureRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
	Target        string `json:"target"`
	Type          string `json:"type"`
	Video         *bool  `json:"video,omitempty"`
	Substream     *int   `json:"substream,omitempty"`
}

// Ack is the empty acknowledgement most mutating calls return.
type Ack struct{}

// ListenRequest opens the asynchronous event stream for one participant.
type ListenRequest struct {
	ParticipantID string `json:"participant_id"`
	RoomID        string `json:"room_id"`
}

// EventKind discriminates the SFU's asynchronous publisher/subscriber events.
type EventKind string

const (
	EventWebRtcUp   EventKind = "webrtc_up"
	EventWebRtcDown EventKind = "webrtc_down"
	EventMedia      EventKind = "media"
	EventSlowLink   EventKind = "slow_link"
)

// Event is one asynchronous message from ListenEvents.
type Event struct {
	Kind      EventKind `json:"kind"`
	Type      string    `json:"type"`
	Media     string    `json:"media,omitempty"`
	Receiving bool      `json:"receiving,omitempty"`
	Direction string    `json:"direction,omitempty"`
}

// EventStream yields asynchronous SFU events for one participant.
type EventStream interface {
	Recv() (*Event, error)
}

// Client is a circuit-breaker-wrapped gRPC client for the SFU, speaking
// the internal/v1/rpcjson content-subtype. conn is narrowed to
// grpc.ClientConnInterface (rather than the concrete *grpc.ClientConn) so
// tests can substitute a fake transport in place of a dialed connection.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	cb     *gobreaker.CircuitBreaker
}

// NewClient dials address and wraps it with a circuit breaker.
func NewClient(address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		rpcjson.DialOption(),
	)
	if err != nil {
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("sfu").Set(stateVal)
		},
	}

	return &Client{conn: conn, closer: conn, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (c *Client) openErr() error {
	metrics.CircuitBreakerFailures.WithLabelValues("sfu").Inc()
	return status.Error(codes.Unavailable, "circuit breaker open")
}

// Publish creates a new publisher handle on the SFU.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		out := new(PublishResponse)
		if err := c.conn.Invoke(ctx, methodPublish, &req, out, rpcjson.CallOptions()...); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, c.openErr()
		}
		return nil, err
	}
	return resp.(*PublishResponse), nil
}

// Unpublish destroys a previously created publisher handle.
func (c *Client) Unpublish(ctx context.Context, req UnpublishRequest) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		out := new(Ack)
		return out, c.conn.Invoke(ctx, methodUnpublish, &req, out, rpcjson.CallOptions()...)
	})
	if err == gobreaker.ErrOpenState {
		return c.openErr()
	}
	return err
}

// Subscribe creates a new subscriber handle on the SFU.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResponse, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		out := new(SubscribeResponse)
		if err := c.conn.Invoke(ctx, methodSubscribe, &req, out, rpcjson.CallOptions()...); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, c.openErr()
		}
		return nil, err
	}
	return resp.(*SubscribeResponse), nil
}

// SdpAnswer completes a subscription with the client's SDP answer.
func (c *Client) SdpAnswer(ctx context.Context, req SdpAnswerRequest) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		out := new(Ack)
		return out, c.conn.Invoke(ctx, methodSdpAnswer, &req, out, rpcjson.CallOptions()...)
	})
	if err == gobreaker.ErrOpenState {
		return c.openErr()
	}
	return err
}

// Candidate trickles one ICE candidate, or signals end-of-candidates, to
// the SFU for an existing publisher or subscriber handle.
func (c *Client) Candidate(ctx context.Context, req CandidateRequest) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		out := new(Ack)
		return out, c.conn.Invoke(ctx, methodCandidate, &req, out, rpcjson.CallOptions()...)
	})
	if err == gobreaker.ErrOpenState {
		return c.openErr()
	}
	return err
}

// Configure changes simulcast layer or toggles video relay on a
// subscriber handle.
func (c *Client) Configure(ctx context.Context, req ConfigureRequest) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		out := new(Ack)
		return out, c.conn.Invoke(ctx, methodConfigure, &req, out, rpcjson.CallOptions()...)
	})
	if err == gobreaker.ErrOpenState {
		return c.openErr()
	}
	return err
}

var listenStreamDesc = &grpc.StreamDesc{
	StreamName:    "ListenEvents",
	ServerStreams: true,
}

// ListenEvents subscribes to the asynchronous per-participant event
// stream. Only the initial stream-open is circuit-breaker protected:
// once open, individual Recv failures close the stream rather than
// tripping the breaker.
func (c *Client) ListenEvents(ctx context.Context, req ListenRequest) (EventStream, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		stream, err := c.conn.NewStream(ctx, listenStreamDesc, methodListenEvents, rpcjson.CallOptions()...)
		if err != nil {
			return nil, err
		}
		if err := stream.SendMsg(&req); err != nil {
			return nil, err
		}
		if err := stream.CloseSend(); err != nil {
			return nil, err
		}
		return &eventStream{stream: stream}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, c.openErr()
		}
		return nil, err
	}
	return resp.(EventStream), nil
}

type eventStream struct {
	stream grpc.ClientStream
}

func (e *eventStream) Recv() (*Event, error) {
	out := new(Event)
	if err := e.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close gracefully closes the gRPC connection to the SFU.
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
