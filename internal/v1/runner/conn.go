// Package runner is the per-connection event loop: it owns the WebSocket,
// drives every loaded module's Init/OnEvent/OnDestroy through the join,
// message, and leave sequences, and bridges BUS deliveries and
// module-registered ext-streams into the same dispatch path.
package runner

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/logging"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/metrics"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 20 * time.Second
	readTimeout    = 30 * time.Second
	maxFrameBytes  = 1 << 20 // 1 MiB fragmented-frame cap
	sendBufferSize = 32
)

// wsConn is the subset of *websocket.Conn the runner needs, narrowed so
// tests can drive the dispatch loop against a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Conn wraps a WebSocket connection, exposing the priority/normal send
// channels and read-pump frame delivery the Runner's select loop consumes.
// It satisfies types.ClientConn so modules can hand it to anything that
// takes the narrower interface.
type Conn struct {
	conn          wsConn
	participantID types.ParticipantID
	role          types.Role

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once

	send         chan []byte // normal frames (chat, presence, bulk)
	prioritySend chan []byte // control-plane frames (errors, state changes)
	frames       chan []byte // inbound text frames delivered to the runner
	done         chan struct{}
}

// NewConn wraps conn for participant, playing the given role.
func NewConn(conn wsConn, participant types.ParticipantID, role types.Role) *Conn {
	c := &Conn{
		conn:          conn,
		participantID: participant,
		role:          role,
		send:          make(chan []byte, sendBufferSize),
		prioritySend:  make(chan []byte, sendBufferSize),
		frames:        make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
	}
	conn.SetReadLimit(maxFrameBytes)
	return c
}

func (c *Conn) ParticipantID() types.ParticipantID { return c.participantID }

func (c *Conn) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// setRole updates the connection's cached role, used after a promote/
// demote transition so every subsequent permission check on this
// connection observes the new role without a reconnect.
func (c *Conn) setRole(role types.Role) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

// Frames is the channel of inbound text frames the runner's select loop
// reads from; closed once readPump exits.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// SendEnvelope marshals payload under namespace and queues it for
// delivery, satisfying types.ClientConn.
func (c *Conn) SendEnvelope(namespace string, payload any) error {
	env, err := types.NewEnvelope(namespace, payload)
	if err != nil {
		return fmt.Errorf("runner: marshal envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("runner: marshal envelope: %w", err)
	}
	c.enqueue(data, isPriorityNamespace(namespace))
	return nil
}

func isPriorityNamespace(namespace string) bool {
	switch namespace {
	case "control", "media", "automod":
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(data []byte, priority bool) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		logging.GetLogger().Warn("runner: send buffer full, dropping frame",
			zap.String("participant_id", string(c.participantID)),
			zap.Bool("priority", priority))
	}
}

// Close closes the underlying connection exactly once.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		err = c.conn.Close()
	})
	return err
}

// readPump forwards text frames to Frames() until the connection errs or
// closes; binary frames are rejected per the JSON-envelope wire contract.
func (c *Conn) readPump() {
	defer func() {
		close(c.frames)
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case c.frames <- data:
		default:
			logging.GetLogger().Warn("runner: inbound frame dropped, consumer not keeping up",
				zap.String("participant_id", string(c.participantID)))
		}
	}
}

// writePump drains the priority channel ahead of the normal channel and
// drives the heartbeat ping, grounded on the priority/normal send-channel
// split of the signaling stack this replaces.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.prioritySend:
			if !ok {
				return
			}
			if err := c.write(message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.GetLogger().Error("runner: write failed",
			zap.String("participant_id", string(c.participantID)), zap.Error(err))
		return err
	}
	return nil
}

var _ types.ClientConn = (*Conn)(nil)
