package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsCloseGrace time allowed for sending the close frame
const wsCloseGrace = time.Second

// wsFramer carries one JSON PDU per websocket text message
type wsFramer struct {
	conn *websocket.Conn
}

func (f *wsFramer) readPDU() (*pdu.ChatPDU, error) {
	var msg pdu.ChatPDU
	if err := f.conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %s", ErrEndOfStream, err)
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionReset, err)
		}
		return nil, err
	}
	return &msg, nil
}

func (f *wsFramer) writePDU(msg *pdu.ChatPDU) error {
	return f.conn.WriteJSON(msg)
}

func (f *wsFramer) close() error {
	_ = f.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace),
	)
	return f.conn.Close()
}

// NewWebSocketConnection wrap an established websocket connection
func NewWebSocketConnection(conn *websocket.Conn) Connection {
	return newPumpedConnection(
		"websocket-connection", conn.RemoteAddr().String(), &wsFramer{conn: conn},
	)
}

/*
DialWebSocket connect to a chat server over websocket

	@param serverURL string - "ws://host:port/path" of the server
	@param timeout time.Duration - handshake timeout
	@return the new connection
*/
func DialWebSocket(serverURL string, timeout time.Duration) (Connection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.Dial(serverURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"module": "transport", "component": "websocket-dialer", "instance": serverURL,
		}).Error("Connect failed")
		return nil, err
	}
	return NewWebSocketConnection(conn), nil
}

// WebSocketAcceptor upgrades HTTP requests into chat connections, and hands them out
// through Accept.
type WebSocketAcceptor struct {
	common.Component
	upgrader  websocket.Upgrader
	accepted  chan Connection
	closed    chan bool
	closeOnce sync.Once
}

// NewWebSocketAcceptor define a new WebSocketAcceptor
func NewWebSocketAcceptor(instance string) *WebSocketAcceptor {
	logTags := log.Fields{
		"module": "transport", "component": "websocket-acceptor", "instance": instance,
	}
	return &WebSocketAcceptor{
		Component: common.Component{LogTags: logTags},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		accepted: make(chan Connection),
		closed:   make(chan bool),
	}
}

// ServeHTTP upgrade the request, and wait for Accept to pick up the connection
func (a *WebSocketAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.closed:
		http.Error(w, "chat server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	wsConn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Upgrade failed for %s", r.RemoteAddr)
		return
	}
	conn := NewWebSocketConnection(wsConn)
	select {
	case a.accepted <- conn:
		log.WithFields(a.LogTags).Debugf("Accepted %s", conn.Name())
	case <-a.closed:
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

// Accept wait for the next upgraded connection
func (a *WebSocketAcceptor) Accept() (Connection, error) {
	select {
	case conn := <-a.accepted:
		return conn, nil
	case <-a.closed:
		return nil, ErrSocketClosed
	}
}

// Close stop accepting connections
func (a *WebSocketAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		log.WithFields(a.LogTags).Info("Closed")
	})
	return nil
}
