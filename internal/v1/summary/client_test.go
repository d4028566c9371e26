package summary

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeConn struct {
	invokeFunc func(ctx context.Context, method string, args, reply any) error
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	if f.invokeFunc != nil {
		return f.invokeFunc(ctx, method, args, reply)
	}
	return nil
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, assert.AnError
}

func TestSummarize(t *testing.T) {
	conn := &fakeConn{
		invokeFunc: func(_ context.Context, method string, args, reply any) error {
			assert.Equal(t, methodSummarize, method)
			req := args.(*Request)
			assert.Equal(t, "room-1", req.RoomID)
			out := reply.(*Response)
			out.Text = "summary text"
			return nil
		},
	}
	client := &Client{conn: conn}

	resp, err := client.Summarize(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "summary text", resp.Text)
}

func TestSummarize_Error(t *testing.T) {
	conn := &fakeConn{
		invokeFunc: func(_ context.Context, _ string, _, _ any) error {
			return assert.AnError
		},
	}
	client := &Client{conn: conn}

	_, err := client.Summarize(context.Background(), "room-1")
	assert.Error(t, err)
}

func TestNewClient_Connects(t *testing.T) {
	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer func() { _ = lis.Close() }()

	s := grpc.NewServer()
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	c, err := NewClient(lis.Addr().String())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NoError(t, c.Close())
}

func TestClose_Nil(t *testing.T) {
	client := &Client{}
	assert.NoError(t, client.Close())
}
