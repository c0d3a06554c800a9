package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/apex/log"
)

// tcpFramer carries one JSON PDU per line
type tcpFramer struct {
	conn    net.Conn
	decoder *json.Decoder
	encoder *json.Encoder
}

func newTCPFramer(conn net.Conn) *tcpFramer {
	return &tcpFramer{
		conn:    conn,
		decoder: json.NewDecoder(bufio.NewReader(conn)),
		encoder: json.NewEncoder(conn),
	}
}

func (f *tcpFramer) readPDU() (*pdu.ChatPDU, error) {
	var msg pdu.ChatPDU
	if err := f.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (f *tcpFramer) writePDU(msg *pdu.ChatPDU) error {
	return f.encoder.Encode(msg)
}

func (f *tcpFramer) close() error {
	return f.conn.Close()
}

// NewTCPConnection wrap an established TCP connection
func NewTCPConnection(conn net.Conn) Connection {
	return newPumpedConnection("tcp-connection", conn.RemoteAddr().String(), newTCPFramer(conn))
}

/*
DialTCP connect to a chat server over TCP

	@param addr string - "host:port" of the server
	@param timeout time.Duration - connect timeout
	@return the new connection
*/
func DialTCP(addr string, timeout time.Duration) (Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"module": "transport", "component": "tcp-dialer", "instance": addr,
		}).Error("Connect failed")
		return nil, err
	}
	return NewTCPConnection(conn), nil
}

// tcpServerSocket ServerSocket over a TCP listener
type tcpServerSocket struct {
	common.Component
	listener net.Listener
}

/*
ListenTCP start a TCP server socket

	@param addr string - "host:port" to listen on. Port 0 picks a free port.
	@return the server socket, and the address it is bound to
*/
func ListenTCP(addr string) (ServerSocket, net.Addr, error) {
	logTags := log.Fields{
		"module": "transport", "component": "tcp-server-socket", "instance": addr,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Listen failed")
		return nil, nil, err
	}
	log.WithFields(logTags).Infof("Listening on %s", listener.Addr())
	return &tcpServerSocket{
		Component: common.Component{LogTags: logTags}, listener: listener,
	}, listener.Addr(), nil
}

func (s *tcpServerSocket) Accept() (Connection, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrSocketClosed
		}
		log.WithError(err).WithFields(s.LogTags).Error("Accept failed")
		return nil, fmt.Errorf("accept failed: %w", err)
	}
	log.WithFields(s.LogTags).Debugf("Accepted %s", conn.RemoteAddr())
	return NewTCPConnection(conn), nil
}

func (s *tcpServerSocket) Close() error {
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
