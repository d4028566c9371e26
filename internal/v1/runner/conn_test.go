package runner

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

type fakeWsConn struct {
	mu       sync.Mutex
	incoming chan []byte
	written  [][]byte
	closed   bool
	pongFn   func(string) error
}

func newFakeWsConn() *fakeWsConn {
	return &fakeWsConn{incoming: make(chan []byte, 8)}
}

func (f *fakeWsConn) push(text string) { f.incoming <- []byte(text) }

func (f *fakeWsConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.incoming
	if !ok {
		return 0, nil, assert.AnError
	}
	return 1, data, nil // websocket.TextMessage == 1
}

func (f *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWsConn) WriteControl(messageType int, data []byte, deadline time.Time) error { return nil }

func (f *fakeWsConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

func (f *fakeWsConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeWsConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeWsConn) SetReadLimit(limit int64)           {}
func (f *fakeWsConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongFn = h
}

func (f *fakeWsConn) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func TestConnSendEnvelope(t *testing.T) {
	fc := newFakeWsConn()
	c := NewConn(fc, "p1", types.RoleUser)
	go c.writePump()

	require.NoError(t, c.SendEnvelope("chat", map[string]string{"hello": "world"}))

	require.Eventually(t, func() bool { return len(fc.writtenFrames()) == 1 }, time.Second, time.Millisecond)

	var env types.Envelope
	require.NoError(t, json.Unmarshal(fc.writtenFrames()[0], &env))
	assert.Equal(t, "chat", env.Namespace)

	require.NoError(t, c.Close("test done"))
}

func TestConnReadPumpForwardsTextFrames(t *testing.T) {
	fc := newFakeWsConn()
	c := NewConn(fc, "p1", types.RoleUser)
	go c.readPump()

	fc.push(`{"namespace":"chat","payload":{}}`)
	select {
	case frame := <-c.Frames():
		assert.Contains(t, string(frame), "chat")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}

	require.NoError(t, c.Close("done"))
	select {
	case _, ok := <-c.Frames():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frames channel to close")
	}
}

func TestConnRoleUpdate(t *testing.T) {
	fc := newFakeWsConn()
	c := NewConn(fc, "p1", types.RoleUser)
	assert.Equal(t, types.RoleUser, c.Role())
	c.setRole(types.RoleModerator)
	assert.Equal(t, types.RoleModerator, c.Role())
}
