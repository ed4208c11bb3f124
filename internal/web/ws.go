package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steveyegge/foreman/internal/process"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	socketBuffer   = 256
	maxSocketInput = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlMessage is a text frame sent by the client. Binary frames are
// raw keyboard input.
type controlMessage struct {
	Type string `json:"type"` // "input" or "resize"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// bridgeTarget is one terminal as seen by a websocket.
type bridgeTarget struct {
	pool    process.Pool
	id      process.ID
	backlog func() (string, error)
	write   func(data []byte) error
	resize  func(cols, rows uint16) error
}

// bridge upgrades the request and pumps bytes between the socket and the
// terminal until either side goes away. Output is sent as binary frames;
// the socket is closed with a normal closure when the process exits.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request, t bridgeTarget) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan []byte, socketBuffer)
	exited := make(chan int, 1)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	unsubscribe := s.terminals.Subscribe(t.pool, process.SinkFuncs{
		Data: func(id process.ID, data []byte) {
			if id != t.id {
				return
			}
			select {
			case out <- append([]byte(nil), data...):
			case <-done:
			default:
				// Reader fell too far behind; drop the connection rather
				// than stall the terminal.
				stop()
			}
		},
		Exit: func(id process.ID, code int) {
			if id != t.id {
				return
			}
			select {
			case exited <- code:
			default:
			}
		},
	})
	defer unsubscribe()

	if t.backlog != nil {
		backlog, err := t.backlog()
		if err == nil && backlog != "" {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte(backlog)); err != nil {
				return
			}
		}
	}

	go s.readSocket(conn, t, stop)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case code := <-exited:
			s.drain(conn, out)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "exit "+strconv.Itoa(code))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// drain flushes output that arrived before the exit.
func (s *Server) drain(conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case data := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) readSocket(conn *websocket.Conn, t bridgeTarget, stop func()) {
	defer stop()
	conn.SetReadLimit(maxSocketInput)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			if err := t.write(data); err != nil {
				return
			}
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed control message", "err", err)
			continue
		}
		switch msg.Type {
		case "input":
			err = t.write([]byte(msg.Data))
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				err = t.resize(msg.Cols, msg.Rows)
			}
		}
		if err != nil {
			return
		}
	}
}

