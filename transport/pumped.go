package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/apex/log"
)

// framer reads and writes whole PDUs on an underlying stream
type framer interface {
	readPDU() (*pdu.ChatPDU, error)
	writePDU(msg *pdu.ChatPDU) error
	close() error
}

// pumpedConnection is a Connection over a framer. A read pump goroutine moves decoded
// PDUs into a channel, so a receive timeout never interrupts a partially read frame.
type pumpedConnection struct {
	common.Component
	name      string
	framer    framer
	sendLock  sync.Mutex
	inbound   chan *pdu.ChatPDU
	readErr   error
	closed    chan bool
	closeOnce sync.Once
	closeErr  error
}

// inboundBuffer number of decoded PDUs held before the read pump blocks
const inboundBuffer = 32

// newPumpedConnection define a new pumpedConnection, and start its read pump
func newPumpedConnection(kind string, name string, f framer) *pumpedConnection {
	logTags := log.Fields{
		"module": "transport", "component": kind, "instance": name,
	}
	c := &pumpedConnection{
		Component: common.Component{LogTags: logTags},
		name:      name,
		framer:    f,
		inbound:   make(chan *pdu.ChatPDU, inboundBuffer),
		closed:    make(chan bool),
	}
	go c.readPump()
	return c
}

func (c *pumpedConnection) readPump() {
	defer close(c.inbound)
	for {
		msg, err := c.framer.readPDU()
		if err != nil {
			c.readErr = classifyReadError(err)
			log.WithError(c.readErr).WithFields(c.LogTags).Debug("Read pump exiting")
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			c.readErr = fmt.Errorf("%w: closed locally", ErrConnectionReset)
			return
		}
	}
}

func (c *pumpedConnection) Name() string {
	return c.name
}

func (c *pumpedConnection) Send(msg *pdu.ChatPDU) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %s closed", ErrSendFailure, c.name)
	default:
	}
	if err := c.framer.writePDU(msg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Failed to send %s", msg)
		return fmt.Errorf("%w: %s", ErrSendFailure, err)
	}
	return nil
}

func (c *pumpedConnection) Receive(timeout time.Duration) (*pdu.ChatPDU, error) {
	var timeoutSignal <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutSignal = timer.C
	}
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, c.readErr
		}
		return msg, nil
	case <-c.closed:
		return nil, fmt.Errorf("%w: closed locally", ErrConnectionReset)
	case <-timeoutSignal:
		return nil, ErrReceiveTimeout
	}
}

func (c *pumpedConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.framer.close()
		log.WithFields(c.LogTags).Debug("Connection closed")
	})
	return c.closeErr
}
