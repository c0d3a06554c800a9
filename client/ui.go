package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// UserInterface the presentation layer the client listener reports to
type UserInterface interface {
	// SetUserList show the currently logged in users
	SetUserList(names []string)

	// SetMessageLine show one chat message line
	SetMessageLine(sender string, message string)

	/*
		SetErrorMessage show an error

		 @param sender string - who reported the error
		 @param message string - the error text
		 @param errorCode int - the PDU error code, if any
	*/
	SetErrorMessage(sender string, message string, errorCode int)

	// SetLock block or allow the next chat message input
	SetLock(locked bool)

	// LoginComplete the login finished
	LoginComplete()

	// LogoutComplete the session ended
	LogoutComplete()

	// SetLastServerTime record the server time of the last chat message response
	SetLastServerTime(serverTime time.Duration)

	/*
		SetSessionStatisticsCounter report the session counters at logout

		 @param eventsReceived int64 - events the client received
		 @param confirmsSent int64 - confirms the client sent
		 @param lostConfirms int64 - confirms the server never received
		 @param retries int64 - retransmissions
		 @param chatMessagesSent int64 - chat messages the server received from the client
	*/
	SetSessionStatisticsCounter(
		eventsReceived, confirmsSent, lostConfirms, retries, chatMessagesSent int64,
	)
}

// SessionStatistics counters reported at logout
type SessionStatistics struct {
	EventsReceived   int64
	ConfirmsSent     int64
	LostConfirms     int64
	Retries          int64
	ChatMessagesSent int64
}

// ConsoleUI UserInterface writing lines to an io.Writer
type ConsoleUI struct {
	lock           sync.Mutex
	out            io.Writer
	users          []string
	unlocked       chan struct{}
	loggedIn       chan struct{}
	loginOnce      sync.Once
	loggedOut      chan struct{}
	logoutOnce     sync.Once
	lastServerTime time.Duration
	statistics     SessionStatistics
	lastError      string
}

// NewConsoleUI define a new ConsoleUI
func NewConsoleUI(out io.Writer) *ConsoleUI {
	unlocked := make(chan struct{})
	close(unlocked)
	return &ConsoleUI{
		out:       out,
		users:     []string{},
		unlocked:  unlocked,
		loggedIn:  make(chan struct{}),
		loggedOut: make(chan struct{}),
	}
}

func (u *ConsoleUI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *ConsoleUI) SetUserList(names []string) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.users = append([]string{}, names...)
	u.printf("* online: %s", strings.Join(names, ", "))
}

func (u *ConsoleUI) SetMessageLine(sender string, message string) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.printf("%s: %s", sender, message)
}

func (u *ConsoleUI) SetErrorMessage(sender string, message string, errorCode int) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.lastError = message
	u.printf("! %s (code %d): %s", sender, errorCode, message)
}

func (u *ConsoleUI) SetLock(locked bool) {
	u.lock.Lock()
	defer u.lock.Unlock()
	select {
	case <-u.unlocked:
		if locked {
			u.unlocked = make(chan struct{})
		}
	default:
		if !locked {
			close(u.unlocked)
		}
	}
}

func (u *ConsoleUI) LoginComplete() {
	u.loginOnce.Do(func() {
		u.lock.Lock()
		u.printf("* logged in")
		u.lock.Unlock()
		close(u.loggedIn)
	})
}

func (u *ConsoleUI) LogoutComplete() {
	u.logoutOnce.Do(func() {
		u.lock.Lock()
		u.printf("* logged out")
		u.lock.Unlock()
		close(u.loggedOut)
	})
}

func (u *ConsoleUI) SetLastServerTime(serverTime time.Duration) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.lastServerTime = serverTime
}

func (u *ConsoleUI) SetSessionStatisticsCounter(
	eventsReceived, confirmsSent, lostConfirms, retries, chatMessagesSent int64,
) {
	u.lock.Lock()
	defer u.lock.Unlock()
	u.statistics = SessionStatistics{
		EventsReceived:   eventsReceived,
		ConfirmsSent:     confirmsSent,
		LostConfirms:     lostConfirms,
		Retries:          retries,
		ChatMessagesSent: chatMessagesSent,
	}
	u.printf(
		"* session: events %d, confirms %d, lost %d, retries %d, messages %d",
		eventsReceived, confirmsSent, lostConfirms, retries, chatMessagesSent,
	)
}

// Users the last user list
func (u *ConsoleUI) Users() []string {
	u.lock.Lock()
	defer u.lock.Unlock()
	return append([]string{}, u.users...)
}

// LastServerTime server time of the last chat message response
func (u *ConsoleUI) LastServerTime() time.Duration {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.lastServerTime
}

// Statistics the session counters reported at logout
func (u *ConsoleUI) Statistics() SessionStatistics {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.statistics
}

// LastError the last error message shown
func (u *ConsoleUI) LastError() string {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.lastError
}

// WaitLogin wait for the login to complete
func (u *ConsoleUI) WaitLogin(ctxt context.Context) error {
	select {
	case <-u.loggedIn:
		return nil
	case <-u.loggedOut:
		return fmt.Errorf("session ended before login completed")
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// WaitUnlocked wait until the next chat message input is allowed
func (u *ConsoleUI) WaitUnlocked(ctxt context.Context) error {
	u.lock.Lock()
	unlocked := u.unlocked
	u.lock.Unlock()
	select {
	case <-unlocked:
		return nil
	case <-u.loggedOut:
		return fmt.Errorf("session ended")
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// LoggedOut closed once the session ended
func (u *ConsoleUI) LoggedOut() <-chan struct{} {
	return u.loggedOut
}

// WaitLogout wait for the session to end
func (u *ConsoleUI) WaitLogout(ctxt context.Context) error {
	select {
	case <-u.loggedOut:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
