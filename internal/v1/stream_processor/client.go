// Package streamprocessor is a hand-written client for the captioning
// service: a bidirectional audio stream that yields live transcript
// events, reached over google.golang.org/grpc with the
// internal/v1/rpcjson content-subtype instead of a generated protobuf
// stub (none exists for this service in the retrieval pack).
package streamprocessor

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/rpcjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const serviceName = "streamprocessor.v1.CaptioningService"

var streamAudioDesc = &grpc.StreamDesc{
	StreamName:    "StreamAudio",
	ServerStreams: true,
	ClientStreams: true,
}

// AudioChunk is one frame of the outbound audio stream.
type AudioChunk struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	Sequence      uint64 `json:"sequence"`
	PCM           []byte `json:"pcm"`
}

// TranscriptEvent is one inbound captioning result.
type TranscriptEvent struct {
	ParticipantID string  `json:"participant_id"`
	Text          string  `json:"text"`
	Final         bool    `json:"final"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// AudioStream is the bidirectional handle returned by StreamAudio: the
// caller sends chunks and receives transcript events independently.
type AudioStream interface {
	Send(chunk AudioChunk) error
	Recv() (*TranscriptEvent, error)
	CloseSend() error
}

// Client wraps the gRPC client for the captioning service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer interface{ Close() error }
}

// NewClient dials the captioning service over TLS 1.2+.
func NewClient(addr string) (*Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		rpcjson.DialOption(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial stream processor: %w", err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// StreamAudio opens the bidirectional audio stream. The caller is
// responsible for sending chunks and receiving transcript events via the
// returned stream.
func (c *Client) StreamAudio(ctx context.Context) (AudioStream, error) {
	method := "/" + serviceName + "/StreamAudio"
	stream, err := c.conn.NewStream(ctx, streamAudioDesc, method, rpcjson.CallOptions()...)
	if err != nil {
		return nil, err
	}
	return &audioStream{stream: stream}, nil
}

type audioStream struct {
	stream grpc.ClientStream
}

func (a *audioStream) Send(chunk AudioChunk) error {
	return a.stream.SendMsg(&chunk)
}

func (a *audioStream) Recv() (*TranscriptEvent, error) {
	out := new(TranscriptEvent)
	if err := a.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *audioStream) CloseSend() error {
	return a.stream.CloseSend()
}
