package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/alwitt/chatmq/pdu"
)

// Transport errors
var (
	// ErrReceiveTimeout no PDU arrived within the receive timeout
	ErrReceiveTimeout = errors.New("receive timeout")
	// ErrEndOfStream the peer closed the connection
	ErrEndOfStream = errors.New("end of stream")
	// ErrConnectionReset the connection was reset or closed locally
	ErrConnectionReset = errors.New("connection reset")
	// ErrSendFailure a PDU could not be sent
	ErrSendFailure = errors.New("send failure")
	// ErrSocketClosed the server socket is closed
	ErrSocketClosed = errors.New("server socket closed")
)

// Connection is a bidirectional PDU channel with one peer
type Connection interface {
	/*
		Send send a PDU to the peer. Safe to call from multiple goroutines.

		 @param msg *pdu.ChatPDU - the PDU
		 @return whether successful, ErrSendFailure otherwise
	*/
	Send(msg *pdu.ChatPDU) error

	/*
		Receive wait for the next PDU from the peer

		 @param timeout time.Duration - max wait time. Wait forever if not positive.
		 @return the PDU, or ErrReceiveTimeout / ErrEndOfStream / ErrConnectionReset
	*/
	Receive(timeout time.Duration) (*pdu.ChatPDU, error)

	// Close close the connection. Calling Close more than once is safe.
	Close() error

	// Name connection name for logging
	Name() string
}

// ServerSocket accepts new connections
type ServerSocket interface {
	/*
		Accept wait for the next incoming connection

		 @return the new connection, or ErrSocketClosed once the socket is closed
	*/
	Accept() (Connection, error)

	// Close stop accepting connections
	Close() error
}

// classifyReadError map a framing level read error to the transport errors
func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s", ErrEndOfStream, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %s", ErrConnectionReset, err)
	}
	return fmt.Errorf("read failed: %w", err)
}

/*
Dial connect to a chat server

	@param serverURI string - "tcp://host:port" or "ws://host:port/path"
	@param timeout time.Duration - connect timeout
	@return the new connection
*/
func Dial(serverURI string, timeout time.Duration) (Connection, error) {
	parsed, err := url.Parse(serverURI)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "tcp":
		return DialTCP(parsed.Host, timeout)
	case "ws", "wss":
		return DialWebSocket(serverURI, timeout)
	}
	return nil, fmt.Errorf("unsupported server URI scheme '%s'", parsed.Scheme)
}
