package pdu

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// PduType identifies the kind of a ChatPDU
type PduType string

// Supported PDU types
const (
	LoginRequest            PduType = "LOGIN_REQUEST"
	LoginResponse           PduType = "LOGIN_RESPONSE"
	LoginEvent              PduType = "LOGIN_EVENT"
	LoginEventConfirm       PduType = "LOGIN_EVENT_CONFIRM"
	LogoutRequest           PduType = "LOGOUT_REQUEST"
	LogoutResponse          PduType = "LOGOUT_RESPONSE"
	LogoutEvent             PduType = "LOGOUT_EVENT"
	LogoutEventConfirm      PduType = "LOGOUT_EVENT_CONFIRM"
	ChatMessageRequest      PduType = "CHAT_MESSAGE_REQUEST"
	ChatMessageResponse     PduType = "CHAT_MESSAGE_RESPONSE"
	ChatMessageEvent        PduType = "CHAT_MESSAGE_EVENT"
	ChatMessageEventConfirm PduType = "CHAT_MESSAGE_EVENT_CONFIRM"
)

// eventConfirms the confirm answering each event type
var eventConfirms = map[PduType]PduType{
	LoginEvent:       LoginEventConfirm,
	LogoutEvent:      LogoutEventConfirm,
	ChatMessageEvent: ChatMessageEventConfirm,
}

// IsEvent whether the PDU type is a server broadcast event which expects a confirm
func (t PduType) IsEvent() bool {
	_, ok := eventConfirms[t]
	return ok
}

// ConfirmType the confirm answering an event type. Empty if the type is not an event.
func (t PduType) ConfirmType() PduType {
	return eventConfirms[t]
}

// IsConfirm whether the PDU type is an event confirm
func (t PduType) IsConfirm() bool {
	switch t {
	case LoginEventConfirm, LogoutEventConfirm, ChatMessageEventConfirm:
		return true
	}
	return false
}

// Error codes carried by a ChatPDU
const (
	// NoError no error
	NoError = 0
	// LoginError the requested user name is already in use
	LoginError = 1
)

// ChatPDU is the protocol data unit exchanged between chat client and server.
//
// A ChatPDU is constructed per send, and must not be modified once it is handed to a connection.
type ChatPDU struct {
	// PduType is the PDU type
	PduType PduType `json:"pdu_type" validate:"required"`
	// UserName is the user the PDU is addressed to, or sent from
	UserName string `json:"user_name"`
	// EventUserName is the originator a event, confirm, or response refers back to
	EventUserName string `json:"event_user_name,omitempty"`
	// ClientThreadName is the name of the client side session
	ClientThreadName string `json:"client_thread_name,omitempty"`
	// ServerThreadName is the name of the server side worker
	ServerThreadName string `json:"server_thread_name,omitempty"`
	// TransactionID is the correlation ID, copied request -> event -> confirm -> response
	TransactionID string `json:"transaction_id,omitempty"`
	// SequenceNumber is the per originator chat message counter
	SequenceNumber int64 `json:"sequence_number,omitempty"`
	// ClientStatus is the conversation status of the client
	ClientStatus ConversationStatus `json:"client_status,omitempty"`
	// Clients is a snapshot of the logged in user names
	Clients []string `json:"clients,omitempty"`
	// Message is the chat message text
	Message string `json:"message,omitempty"`
	// ServerTime is the server side processing duration in nanoseconds
	ServerTime int64 `json:"server_time,omitempty"`
	// SentEvents is the number of events the server sent to the client
	SentEvents int64 `json:"sent_events,omitempty"`
	// LostConfirms is the number of event confirms which never arrived
	LostConfirms int64 `json:"lost_confirms,omitempty"`
	// ReceivedConfirms is the number of event confirms the server received from the client
	ReceivedConfirms int64 `json:"received_confirms,omitempty"`
	// Retries is the number of retransmissions
	Retries int64 `json:"retries,omitempty"`
	// ReceivedChatMessages is the number of chat messages the server received from the client
	ReceivedChatMessages int64 `json:"received_chat_messages,omitempty"`
	// ErrorCode is the error code, NoError if no error
	ErrorCode int `json:"error_code,omitempty"`
}

// String toString for ChatPDU
func (p ChatPDU) String() string {
	return fmt.Sprintf(
		"%s[TID:%s, user:%s, event-user:%s, seq:%d]",
		p.PduType, p.TransactionID, p.UserName, p.EventUserName, p.SequenceNumber,
	)
}

// Validate validate the PDU content
func (p ChatPDU) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&p); err != nil {
		return err
	}
	switch p.PduType {
	case LoginRequest, LoginResponse, LoginEvent, LoginEventConfirm,
		LogoutRequest, LogoutResponse, LogoutEvent, LogoutEventConfirm,
		ChatMessageRequest, ChatMessageResponse, ChatMessageEvent, ChatMessageEventConfirm:
	default:
		return fmt.Errorf("unknown PDU type '%s'", p.PduType)
	}
	if p.PduType == LoginRequest && len(p.UserName) == 0 {
		return fmt.Errorf("login request without user name")
	}
	if p.PduType.IsConfirm() && len(p.EventUserName) == 0 {
		return fmt.Errorf("%s without event user name", p.PduType)
	}
	return nil
}

// ServerDuration the server processing time as a time.Duration
func (p ChatPDU) ServerDuration() time.Duration {
	return time.Duration(p.ServerTime)
}
