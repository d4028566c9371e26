// Package summary is a hand-written client for the meeting-summary
// service, reached over google.golang.org/grpc with the
// internal/v1/rpcjson content-subtype instead of a generated protobuf
// stub (none exists for this service in the retrieval pack).
package summary

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/rpcjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const serviceName = "summary.v1.SummaryService"

var methodSummarize = "/" + serviceName + "/Summarize"

// Request asks for a summary of the given room's recorded session.
type Request struct {
	RoomID string `json:"room_id"`
}

// Response carries the generated summary text and its key points.
type Response struct {
	Text      string    `json:"text"`
	KeyPoints []string  `json:"key_points,omitempty"`
	Generated time.Time `json:"generated_at"`
}

// Client wraps the gRPC client for the meeting-summary service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer interface{ Close() error }
}

// NewClient dials the summary service over TLS 1.2+.
func NewClient(addr string) (*Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		rpcjson.DialOption(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial summary service: %w", err)
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

// Summarize requests a summary for the given room, bounding the LLM call
// to 30 seconds.
func (c *Client) Summarize(ctx context.Context, roomID string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := &Request{RoomID: roomID}
	out := new(Response)
	if err := c.conn.Invoke(ctx, methodSummarize, req, out, rpcjson.CallOptions()...); err != nil {
		return nil, err
	}
	return out, nil
}
