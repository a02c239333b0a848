package server

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket streams lifecycle events as JSON text messages.
// ?kind=bundle.created,bundle.expired narrows the stream. A client that
// cannot keep up loses events rather than stalling the node.
func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var kinds map[events.Kind]bool
		if list := splitList(r.URL.Query()["kind"]); len(list) > 0 {
			kinds = make(map[events.Kind]bool, len(list))
			for _, k := range list {
				kinds[events.Kind(k)] = true
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.manager.Logger().Printf("[Server] WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})

		ch, cancel := s.manager.Events().Subscribe(wsBuffer)
		defer cancel()

		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := s.streamEvents(conn, ch, kinds, done); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.manager.Logger().Printf("[Server] WebSocket stream error: %v", err)
			}
		}
	}
}

func (s *Server) streamEvents(conn *websocket.Conn, ch <-chan events.Event, kinds map[events.Kind]bool, done chan struct{}) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil

		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if kinds != nil && !kinds[ev.Kind] {
				continue
			}
			if err := sendEvent(conn, ev); err != nil {
				return err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func sendEvent(conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
