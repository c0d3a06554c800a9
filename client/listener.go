package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
)

// serverSender sender name for messages the client reports on the server's behalf
const serverSender = "chat-server"

// listener processes PDUs arriving from the chat server
type listener struct {
	common.Component
	conn           transport.Connection
	ui             UserInterface
	session        *SessionData
	confirmEvents  bool
	receiveTimeout time.Duration
	finished       bool
	handlers       map[pdu.ConversationStatus]map[pdu.PduType]func(*pdu.ChatPDU)
}

func newListener(
	conn transport.Connection,
	ui UserInterface,
	session *SessionData,
	confirmEvents bool,
	receiveTimeout time.Duration,
) *listener {
	logTags := log.Fields{
		"module": "client", "component": "listener", "instance": conn.Name(),
	}
	l := &listener{
		Component:      common.Component{LogTags: logTags},
		conn:           conn,
		ui:             ui,
		session:        session,
		confirmEvents:  confirmEvents,
		receiveTimeout: receiveTimeout,
	}
	passive := map[pdu.PduType]func(*pdu.ChatPDU){
		pdu.LoginEvent:       l.userListEvent,
		pdu.LogoutEvent:      l.userListEvent,
		pdu.ChatMessageEvent: l.chatMessageEvent,
	}
	withExtra := func(extra map[pdu.PduType]func(*pdu.ChatPDU)) map[pdu.PduType]func(*pdu.ChatPDU) {
		result := map[pdu.PduType]func(*pdu.ChatPDU){}
		for pduType, handler := range passive {
			result[pduType] = handler
		}
		for pduType, handler := range extra {
			result[pduType] = handler
		}
		return result
	}
	l.handlers = map[pdu.ConversationStatus]map[pdu.PduType]func(*pdu.ChatPDU){
		pdu.StatusRegistering: withExtra(map[pdu.PduType]func(*pdu.ChatPDU){
			pdu.LoginResponse: l.loginResponse,
		}),
		pdu.StatusRegistered: withExtra(map[pdu.PduType]func(*pdu.ChatPDU){
			pdu.ChatMessageResponse: l.chatMessageResponse,
		}),
		pdu.StatusUnregistering: withExtra(map[pdu.PduType]func(*pdu.ChatPDU){
			pdu.LogoutResponse: l.logoutResponse,
		}),
	}
	return l
}

// trace log a PDU passing through the listener
func (l *listener) trace(direction string, msg *pdu.ChatPDU) {
	log.WithFields(l.LogTags).WithFields(log.Fields{
		"direction":  direction,
		"pdu_type":   msg.PduType,
		"tid":        msg.TransactionID,
		"user":       msg.UserName,
		"event_user": msg.EventUserName,
	}).Debug("PDU")
}

/*
run process PDUs until the session ends

	@param ctxt context.Context - the execution context
*/
func (l *listener) run(ctxt context.Context) {
	defer func() {
		if err := l.conn.Close(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Debug("Error closing connection")
		}
		log.WithFields(l.LogTags).Debugf("Listener exiting, status %s", l.session.Status())
	}()
	for !l.finished {
		select {
		case <-ctxt.Done():
			return
		default:
		}
		msg, err := l.conn.Receive(l.receiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				continue
			}
			l.connectionLost(err)
			return
		}
		l.trace("S->C", msg)
		status := l.session.Status()
		handler, ok := l.handlers[status][msg.PduType]
		if !ok {
			log.WithFields(l.LogTags).Debugf("Discarding %s in status %s", msg, status)
			continue
		}
		handler(msg)
	}
}

// connectionLost end the session locally after the connection failed
func (l *listener) connectionLost(err error) {
	if l.session.Status() == pdu.StatusUnregistered {
		return
	}
	log.WithError(err).WithFields(l.LogTags).Error("Connection to server lost")
	l.session.setStatus(pdu.StatusUnregistered)
	l.ui.SetErrorMessage(serverSender, fmt.Sprintf("connection lost: %s", err), pdu.NoError)
	l.ui.LogoutComplete()
}

// sendConfirm answer an event with its confirm
func (l *listener) sendConfirm(event *pdu.ChatPDU) {
	if !l.confirmEvents || !event.PduType.IsEvent() {
		return
	}
	confirmType := event.PduType.ConfirmType()
	confirm := &pdu.ChatPDU{
		PduType:          confirmType,
		UserName:         l.session.UserName(),
		EventUserName:    event.EventUserName,
		ClientThreadName: event.ClientThreadName,
		ServerThreadName: event.ServerThreadName,
		TransactionID:    event.TransactionID,
		SequenceNumber:   event.SequenceNumber,
	}
	l.trace("C->S", confirm)
	if err := l.conn.Send(confirm); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to send %s", confirmType)
		return
	}
	l.session.confirmCounter.Add(1)
}

func (l *listener) userListEvent(msg *pdu.ChatPDU) {
	l.session.eventCounter.Add(1)
	l.ui.SetUserList(msg.Clients)
	l.sendConfirm(msg)
}

func (l *listener) chatMessageEvent(msg *pdu.ChatPDU) {
	l.sendConfirm(msg)
	l.session.eventCounter.Add(1)
	l.ui.SetMessageLine(msg.EventUserName, msg.Message)
}

func (l *listener) loginResponse(msg *pdu.ChatPDU) {
	if msg.ErrorCode == pdu.LoginError {
		log.WithFields(l.LogTags).Errorf("Login of %s rejected", l.session.UserName())
		l.session.setStatus(pdu.StatusUnregistered)
		l.ui.SetErrorMessage(
			serverSender,
			fmt.Sprintf("login failed, user %s is probably logged in already", l.session.UserName()),
			msg.ErrorCode,
		)
		l.finished = true
		l.ui.LogoutComplete()
		return
	}
	l.session.setStatus(pdu.StatusRegistered)
	log.WithFields(l.LogTags).Debugf("Login of %s complete", l.session.UserName())
	l.ui.LoginComplete()
}

func (l *listener) chatMessageResponse(msg *pdu.ChatPDU) {
	expected := l.session.MessageCount()
	if msg.SequenceNumber != expected {
		log.WithFields(l.LogTags).Debugf(
			"Discarding stale chat message response %d, expecting %d", msg.SequenceNumber, expected,
		)
		return
	}
	log.WithFields(l.LogTags).Debugf(
		"Chat message %d took %s on the server", msg.SequenceNumber, msg.ServerDuration(),
	)
	l.session.answeredSeq.Store(msg.SequenceNumber)
	l.ui.SetLastServerTime(msg.ServerDuration())
	l.ui.SetLock(false)
	l.ui.SetMessageLine("[DEBUG]", fmt.Sprintf(
		"[S/C: %d/%d TM: %d]", msg.SentEvents, msg.ReceivedConfirms, msg.ReceivedChatMessages,
	))
}

func (l *listener) logoutResponse(msg *pdu.ChatPDU) {
	l.session.setStatus(pdu.StatusUnregistered)
	l.ui.SetSessionStatisticsCounter(
		l.session.EventCount(),
		l.session.ConfirmCount(),
		msg.LostConfirms,
		msg.Retries,
		msg.ReceivedChatMessages,
	)
	log.WithFields(l.LogTags).Debugf(
		"Logout of %s complete, %d chat messages sent", l.session.UserName(), l.session.MessageCount(),
	)
	l.finished = true
	l.ui.LogoutComplete()
}
