package server

import (
	"sync"
	"time"

	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsTransport queues outbound frames for one websocket. A single writer
// goroutine owns all writes, which keeps per-connection order FIFO.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	remote    string
}

func newWSTransport(conn *websocket.Conn, queue int) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
		remote: conn.RemoteAddr().String(),
	}
}

// Send never blocks. A peer that cannot keep up with its queue is
// disconnected.
func (t *wsTransport) Send(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
	}

	select {
	case t.send <- frame:
		return true
	case <-t.done:
		return false
	default:
		log.Warn("send queue full, closing connection", zap.String("remote", t.remote))
		t.Close()
		return false
	}
}

func (t *wsTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

func (t *wsTransport) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case <-t.done:
			return
		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err), zap.String("remote", t.remote))
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("websocket ping failed", zap.Error(err), zap.String("remote", t.remote))
				return
			}
		}
	}
}
