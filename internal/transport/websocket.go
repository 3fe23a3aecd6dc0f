package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/wire"
)

// wsSender adapts a *websocket.Conn to the Sender interface. Gorilla
// permits at most one concurrent writer, so every send is serialized
// through a mutex.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newWSRaw(kind Kind, conn *websocket.Conn, log *logrus.Entry) *RawConnection {
	raw := newRaw(kind, &wsSender{conn: conn})
	go readLoop(raw, conn, log)
	return raw
}

func readLoop(raw *RawConnection, conn *websocket.Conn, log *logrus.Entry) {
	defer raw.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("raw_id", raw.ID).Debug("raw connection read loop ended")
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			if log != nil {
				log.WithError(err).Warn("dropping undecodable message")
			}
			continue
		}
		raw.deliver(msg)
	}
}

// Accept upgrades an inbound HTTP request to a ServerSide RawConnection.
// Called from the control/debug HTTP server's websocket route.
func Accept(w http.ResponseWriter, r *http.Request, log *logrus.Entry) (*RawConnection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return newWSRaw(ServerSide, conn, log), nil
}

// Dial opens a ClientSide RawConnection to a peer's advertised URL.
func Dial(ctx context.Context, url string, log *logrus.Entry) (*RawConnection, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWSRaw(ClientSide, conn, log), nil
}
