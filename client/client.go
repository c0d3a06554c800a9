package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ChatClientParams settings for a chat client
type ChatClientParams struct {
	// Conn is the connection to the chat server
	Conn transport.Connection `validate:"required"`
	// UI is the presentation layer
	UI UserInterface `validate:"required"`
	// ConfirmEvents whether the server runs the protocol variant which expects event confirms
	ConfirmEvents bool
	// ReceiveTimeout listener receive timeout. Wait forever if zero.
	ReceiveTimeout time.Duration `validate:"gte=0"`
}

// ChatClient one chat session with a chat server
type ChatClient interface {
	/*
		Login start the session. Completion is reported through UserInterface.LoginComplete.

		 @param userName string - the user name
	*/
	Login(userName string) error

	/*
		SendChatMessage send a chat message. The input lock is set until the matching
		response arrives.

		 @param message string - the message text
	*/
	SendChatMessage(message string) error

	// Logout end the session. Completion is reported through UserInterface.LogoutComplete.
	Logout() error

	// Session the session state
	Session() *SessionData

	// Wait wait for the listener to exit
	Wait(ctxt context.Context) error

	// Close close the connection
	Close() error
}

// chatClientImpl implements ChatClient
type chatClientImpl struct {
	common.Component
	conn             transport.Connection
	session          *SessionData
	listener         *listener
	operatingContext context.Context
	wg               *sync.WaitGroup
	done             chan bool
	startOnce        sync.Once
	clientThreadName string
}

/*
GetChatClient define a new ChatClient

	@param params ChatClientParams - client settings
	@param ctxt context.Context - the listener's execution context
	@param wg *sync.WaitGroup - tracks the listener
	@return new ChatClient
*/
func GetChatClient(
	params ChatClientParams, ctxt context.Context, wg *sync.WaitGroup,
) (ChatClient, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "client", "component": "chat-client", "instance": params.Conn.Name(),
	}
	session := newSessionData()
	return &chatClientImpl{
		Component: common.Component{LogTags: logTags},
		conn:      params.Conn,
		session:   session,
		listener: newListener(
			params.Conn, params.UI, session, params.ConfirmEvents, params.ReceiveTimeout,
		),
		operatingContext: ctxt,
		wg:               wg,
		done:             make(chan bool),
	}, nil
}

func (c *chatClientImpl) Session() *SessionData {
	return c.session
}

func (c *chatClientImpl) send(msg *pdu.ChatPDU) error {
	c.listener.trace("C->S", msg)
	if err := c.conn.Send(msg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to send %s", msg.PduType)
		// The listener reports the session loss
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *chatClientImpl) Login(userName string) error {
	if userName == "" {
		return fmt.Errorf("user name is required")
	}
	if !c.session.startLogin(userName) {
		return fmt.Errorf("session already started as %s", c.session.UserName())
	}
	c.LogTags = c.ExtendLogTags(log.Fields{"user": userName})
	c.clientThreadName = fmt.Sprintf("client-%s", userName)
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(c.done)
			c.listener.run(c.operatingContext)
		}()
	})
	return c.send(&pdu.ChatPDU{
		PduType:          pdu.LoginRequest,
		UserName:         userName,
		ClientThreadName: c.clientThreadName,
		TransactionID:    uuid.New().String(),
	})
}

func (c *chatClientImpl) SendChatMessage(message string) error {
	if status := c.session.Status(); status != pdu.StatusRegistered {
		return fmt.Errorf("can not send chat messages in status %s", status)
	}
	seq := c.session.messageCounter.Add(1)
	c.listener.ui.SetLock(true)
	return c.send(&pdu.ChatPDU{
		PduType:          pdu.ChatMessageRequest,
		UserName:         c.session.UserName(),
		ClientThreadName: c.clientThreadName,
		TransactionID:    uuid.New().String(),
		SequenceNumber:   seq,
		Message:          message,
	})
}

func (c *chatClientImpl) Logout() error {
	if err := c.session.startLogout(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Logout refused")
		return err
	}
	return c.send(&pdu.ChatPDU{
		PduType:          pdu.LogoutRequest,
		UserName:         c.session.UserName(),
		ClientThreadName: c.clientThreadName,
		TransactionID:    uuid.New().String(),
	})
}

func (c *chatClientImpl) Wait(ctxt context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (c *chatClientImpl) Close() error {
	return c.conn.Close()
}
