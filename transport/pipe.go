package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/alwitt/chatmq/pdu"
	"github.com/google/uuid"
)

// pipeBuffer number of PDUs in flight per pipe direction
const pipeBuffer = 64

// pipeEnd is one end of an in-memory pipe
type pipeEnd struct {
	in          chan *pdu.ChatPDU
	out         chan *pdu.ChatPDU
	localClosed chan bool
	peerClosed  chan bool
	closeOnce   *sync.Once
}

func (f *pipeEnd) readPDU() (*pdu.ChatPDU, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.localClosed:
		return nil, net.ErrClosed
	case <-f.peerClosed:
		// Hand out what the peer sent before closing
		select {
		case msg := <-f.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (f *pipeEnd) writePDU(msg *pdu.ChatPDU) error {
	copied := *msg
	if msg.Clients != nil {
		copied.Clients = append([]string{}, msg.Clients...)
	}
	select {
	case <-f.peerClosed:
		return fmt.Errorf("%w: peer closed", ErrConnectionReset)
	default:
	}
	select {
	case f.out <- &copied:
		return nil
	case <-f.peerClosed:
		return fmt.Errorf("%w: peer closed", ErrConnectionReset)
	case <-f.localClosed:
		return net.ErrClosed
	}
}

func (f *pipeEnd) close() error {
	f.closeOnce.Do(func() { close(f.localClosed) })
	return nil
}

/*
NewPipe define a connected pair of in-memory connections

	@return the two ends of the pipe
*/
func NewPipe() (Connection, Connection) {
	pipeID := uuid.New().String()
	aToB := make(chan *pdu.ChatPDU, pipeBuffer)
	bToA := make(chan *pdu.ChatPDU, pipeBuffer)
	aClosed := make(chan bool)
	bClosed := make(chan bool)
	endA := &pipeEnd{
		in: bToA, out: aToB, localClosed: aClosed, peerClosed: bClosed, closeOnce: &sync.Once{},
	}
	endB := &pipeEnd{
		in: aToB, out: bToA, localClosed: bClosed, peerClosed: aClosed, closeOnce: &sync.Once{},
	}
	return newPumpedConnection("pipe", fmt.Sprintf("%s.a", pipeID), endA),
		newPumpedConnection("pipe", fmt.Sprintf("%s.b", pipeID), endB)
}
