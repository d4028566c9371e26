package streamprocessor

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeConn struct {
	newStreamFunc func(ctx context.Context, desc *grpc.StreamDesc, method string) (grpc.ClientStream, error)
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return nil
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if f.newStreamFunc != nil {
		return f.newStreamFunc(ctx, desc, method)
	}
	return nil, assert.AnError
}

type fakeClientStream struct {
	grpc.ClientStream
	sent   []any
	recvFn func(m any) error
}

func (s *fakeClientStream) SendMsg(m any) error {
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeClientStream) RecvMsg(m any) error {
	if s.recvFn != nil {
		return s.recvFn(m)
	}
	return nil
}

func (s *fakeClientStream) CloseSend() error { return nil }

func TestStreamAudio_SendRecv(t *testing.T) {
	fcs := &fakeClientStream{
		recvFn: func(m any) error {
			out := m.(*TranscriptEvent)
			out.Text = "hello"
			out.Final = true
			return nil
		},
	}
	conn := &fakeConn{
		newStreamFunc: func(_ context.Context, desc *grpc.StreamDesc, method string) (grpc.ClientStream, error) {
			assert.Equal(t, "StreamAudio", desc.StreamName)
			return fcs, nil
		},
	}
	client := &Client{conn: conn}

	stream, err := client.StreamAudio(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Send(AudioChunk{RoomID: "r1", Sequence: 1}))
	require.Len(t, fcs.sent, 1)

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.Text)
	assert.True(t, ev.Final)

	assert.NoError(t, stream.CloseSend())
}

func TestStreamAudio_OpenError(t *testing.T) {
	conn := &fakeConn{}
	client := &Client{conn: conn}

	_, err := client.StreamAudio(context.Background())
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
