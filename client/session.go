package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alwitt/chatmq/pdu"
)

// SessionData state shared between the client front and its listener
type SessionData struct {
	lock           sync.Mutex
	userName       string
	status         pdu.ConversationStatus
	messageCounter atomic.Int64
	answeredSeq    atomic.Int64
	eventCounter   atomic.Int64
	confirmCounter atomic.Int64
}

// newSessionData define a new SessionData, status UNREGISTERED
func newSessionData() *SessionData {
	return &SessionData{status: pdu.StatusUnregistered}
}

// UserName the session's user name
func (s *SessionData) UserName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.userName
}

// Status the local conversation status
func (s *SessionData) Status() pdu.ConversationStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

func (s *SessionData) setStatus(status pdu.ConversationStatus) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.status = status
}

/*
startLogin bind the session to a user name, if it is UNREGISTERED and was never bound

	@param userName string - the user name
	@return whether the session is now REGISTERING
*/
func (s *SessionData) startLogin(userName string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.userName != "" || s.status != pdu.StatusUnregistered {
		return false
	}
	s.userName = userName
	s.status = pdu.StatusRegistering
	return true
}

/*
startLogout change from REGISTERED to UNREGISTERING. The server only accepts a logout once
the last chat message was answered.

	@return nil if the session is now UNREGISTERING
*/
func (s *SessionData) startLogout() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.status != pdu.StatusRegistered {
		return fmt.Errorf("can not logout in status %s", s.status)
	}
	if sent := s.messageCounter.Load(); sent != s.answeredSeq.Load() {
		return fmt.Errorf("chat message %d is still waiting for its response", sent)
	}
	s.status = pdu.StatusUnregistering
	return nil
}

// MessageCount number of chat messages sent, which is also the last sequence number
func (s *SessionData) MessageCount() int64 {
	return s.messageCounter.Load()
}

// AnsweredCount sequence number of the last chat message whose response arrived
func (s *SessionData) AnsweredCount() int64 {
	return s.answeredSeq.Load()
}

// EventCount number of events received
func (s *SessionData) EventCount() int64 {
	return s.eventCounter.Load()
}

// ConfirmCount number of event confirms sent
func (s *SessionData) ConfirmCount() int64 {
	return s.confirmCounter.Load()
}
