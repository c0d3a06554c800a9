package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/mirror"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/registry"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrProtocolViolation the PDU is not valid for the client's current status
var ErrProtocolViolation = errors.New("protocol violation")

// PDU direction markers for tracing
const (
	directionIn  = "C->S"
	directionOut = "S->C"
)

// WorkerParams settings for one server worker
type WorkerParams struct {
	// Name is the worker name
	Name string `validate:"required"`
	// Conn is the client connection the worker owns
	Conn transport.Connection `validate:"required"`
	// Registry is the shared client registry
	Registry registry.ClientRegistry `validate:"required"`
	// Variant is the protocol variant
	Variant ProtocolVariant
	// ReceiveTimeout is the idle receive timeout
	ReceiveTimeout time.Duration `validate:"gte=0"`
	// Counters is the server wide statistics
	Counters *Counters `validate:"required"`
	// Mirror forwards completed operations
	Mirror mirror.EventMirror `validate:"required"`
}

// Worker serves the chat protocol for one client connection
type Worker interface {
	/*
		Run process PDUs from the connection until the conversation ends, the connection
		fails, or the context is cancelled. Teardown is called before Run returns.

		 @param ctxt context.Context - the execution context
	*/
	Run(ctxt context.Context)

	// Teardown release the worker's client and close its connection. Safe to call again.
	Teardown()

	// Name worker name
	Name() string

	// UserName the user name the worker is bound to, empty before login
	UserName() string
}

// workerImpl implements Worker
type workerImpl struct {
	common.Component
	name           string
	conn           transport.Connection
	registry       registry.ClientRegistry
	variant        ProtocolVariant
	receiveTimeout time.Duration
	counters       *Counters
	completer      *completer
	validate       *validator.Validate
	userName       atomic.Value
	teardownOnce   sync.Once
}

// GetWorker define a new Worker
func GetWorker(params WorkerParams) (Worker, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "server", "component": "worker", "instance": params.Name,
	}
	w := &workerImpl{
		Component:      common.Component{LogTags: logTags},
		name:           params.Name,
		conn:           params.Conn,
		registry:       params.Registry,
		variant:        params.Variant,
		receiveTimeout: params.ReceiveTimeout,
		counters:       params.Counters,
		completer: &completer{
			Component: common.Component{LogTags: logTags},
			registry:  params.Registry,
			counters:  params.Counters,
			mirror:    params.Mirror,
		},
		validate: validate,
	}
	w.userName.Store("")
	return w, nil
}

func (w *workerImpl) Name() string {
	return w.name
}

func (w *workerImpl) UserName() string {
	return w.userName.Load().(string)
}

// ownRecord fetch the client record this worker is bound to
func (w *workerImpl) ownRecord() (registry.ClientRecord, bool) {
	userName := w.UserName()
	if userName == "" {
		return registry.ClientRecord{}, false
	}
	record, ok := w.registry.GetClient(userName)
	if !ok || record.WorkerName != w.name {
		return registry.ClientRecord{}, false
	}
	return record, true
}

// tracePDU log a PDU passing through the server
func tracePDU(logTags log.Fields, direction string, msg *pdu.ChatPDU) {
	log.WithFields(logTags).WithFields(log.Fields{
		"direction":  direction,
		"pdu_type":   msg.PduType,
		"tid":        msg.TransactionID,
		"user":       msg.UserName,
		"event_user": msg.EventUserName,
	}).Debug("PDU")
}

// ================================================================================
// Dispatch

// allowedRequests request PDUs accepted per status of the worker's own client
var allowedRequests = map[pdu.ConversationStatus]map[pdu.PduType]bool{
	pdu.StatusRegistered: {
		pdu.ChatMessageRequest: true,
		pdu.LogoutRequest:      true,
	},
}

/*
dispatch route one received PDU

	@param msg *pdu.ChatPDU - the PDU
	@return ErrProtocolViolation if the PDU is not valid now, any other error is fatal
*/
func (w *workerImpl) dispatch(msg *pdu.ChatPDU) error {
	if err := msg.Validate(w.validate); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	if w.UserName() == "" {
		if msg.PduType != pdu.LoginRequest {
			return fmt.Errorf("%w: %s before login", ErrProtocolViolation, msg.PduType)
		}
		return w.handleLoginRequest(msg)
	}
	status := pdu.StatusUnregistered
	if record, ok := w.ownRecord(); ok {
		status = record.Status
	}
	if msg.PduType.IsConfirm() {
		if !w.variant.ConfirmEvents {
			return fmt.Errorf(
				"%w: %s in %s protocol", ErrProtocolViolation, msg.PduType, w.variant,
			)
		}
		return w.handleConfirm(msg)
	}
	if !allowedRequests[status][msg.PduType] {
		return fmt.Errorf("%w: %s in status %s", ErrProtocolViolation, msg.PduType, status)
	}
	switch msg.PduType {
	case pdu.ChatMessageRequest:
		return w.handleChatMessageRequest(msg)
	case pdu.LogoutRequest:
		return w.handleLogoutRequest(msg)
	}
	return fmt.Errorf("%w: %s", ErrProtocolViolation, msg.PduType)
}

// ================================================================================
// Requests

func (w *workerImpl) handleLoginRequest(msg *pdu.ChatPDU) error {
	w.counters.requests.Add(1)
	now := time.Now()
	err := w.registry.CreateClient(registry.ClientRecord{
		UserName:         msg.UserName,
		Conn:             w.conn,
		ClientThreadName: msg.ClientThreadName,
		WorkerName:       w.name,
		LoginTime:        now,
		RequestStartTime: now,
		Pending:          registry.PendingRequest{TransactionID: msg.TransactionID},
	})
	if err != nil {
		if !errors.Is(err, registry.ErrDuplicateClient) {
			return err
		}
		w.counters.loginRejections.Add(1)
		log.WithFields(w.LogTags).Warnf("Rejecting login of %s, user name in use", msg.UserName)
		response := &pdu.ChatPDU{
			PduType:          pdu.LoginResponse,
			UserName:         msg.UserName,
			EventUserName:    msg.UserName,
			ClientThreadName: msg.ClientThreadName,
			ServerThreadName: w.name,
			TransactionID:    msg.TransactionID,
			ClientStatus:     pdu.StatusUnregistered,
			ErrorCode:        pdu.LoginError,
		}
		tracePDU(w.LogTags, directionOut, response)
		if err := w.conn.Send(response); err != nil {
			log.WithError(err).WithFields(w.LogTags).Error("Failed to send login rejection")
		}
		return nil
	}
	w.userName.Store(msg.UserName)
	w.LogTags = w.ExtendLogTags(log.Fields{"user": msg.UserName})
	w.completer.LogTags = w.LogTags
	log.WithFields(w.LogTags).Infof("Accepted login of %s", msg.UserName)

	targets, err := w.openEvent(msg.UserName)
	if err != nil {
		return err
	}
	event := &pdu.ChatPDU{
		PduType:          pdu.LoginEvent,
		EventUserName:    msg.UserName,
		ClientThreadName: msg.ClientThreadName,
		ServerThreadName: w.name,
		TransactionID:    msg.TransactionID,
		ClientStatus:     pdu.StatusRegistering,
		Clients:          w.registry.ListActiveNames(),
	}
	w.broadcast(event, msg.UserName, targets)
	return nil
}

func (w *workerImpl) handleChatMessageRequest(msg *pdu.ChatPDU) error {
	originator := w.UserName()
	w.counters.requests.Add(1)
	targets, err := w.openEvent(originator)
	if err != nil {
		return err
	}
	w.registry.SetRequestStartTime(originator, time.Now())
	w.registry.IncrementReceivedChatMessages(originator)
	w.registry.SetPendingRequest(originator, registry.PendingRequest{
		TransactionID:  msg.TransactionID,
		SequenceNumber: msg.SequenceNumber,
		Message:        msg.Message,
	})
	event := &pdu.ChatPDU{
		PduType:          pdu.ChatMessageEvent,
		EventUserName:    originator,
		ClientThreadName: msg.ClientThreadName,
		ServerThreadName: w.name,
		TransactionID:    msg.TransactionID,
		SequenceNumber:   msg.SequenceNumber,
		Message:          msg.Message,
	}
	w.broadcast(event, originator, targets)
	return nil
}

func (w *workerImpl) handleLogoutRequest(msg *pdu.ChatPDU) error {
	originator := w.UserName()
	w.counters.requests.Add(1)
	targets, err := w.openEvent(originator)
	if err != nil {
		return err
	}
	w.registry.SetRequestStartTime(originator, time.Now())
	w.registry.SetPendingRequest(originator, registry.PendingRequest{
		TransactionID: msg.TransactionID,
	})
	if err := w.registry.ChangeStatus(originator, pdu.StatusUnregistering); err != nil {
		return err
	}
	event := &pdu.ChatPDU{
		PduType:          pdu.LogoutEvent,
		EventUserName:    originator,
		ClientThreadName: msg.ClientThreadName,
		ServerThreadName: w.name,
		TransactionID:    msg.TransactionID,
		ClientStatus:     pdu.StatusUnregistering,
		Clients:          w.registry.ListActiveNames(),
	}
	w.broadcast(event, originator, targets)
	return nil
}

/*
openEvent decide who receives an originator's event: the originator, and every REGISTERING
or REGISTERED client. The advanced protocol creates the wait-list before anything is
broadcast.

	@param originator string - the event originator
	@return the event recipients
*/
func (w *workerImpl) openEvent(originator string) ([]string, error) {
	if !w.variant.ConfirmEvents {
		targets := []string{originator}
		for _, userName := range w.registry.ListActiveNames() {
			if userName != originator {
				targets = append(targets, userName)
			}
		}
		return targets, nil
	}
	targets, err := w.registry.CreateWaitList(originator)
	if err != nil {
		if errors.Is(err, registry.ErrWaitListInFlight) {
			return nil, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
		}
		return nil, err
	}
	return targets, nil
}

/*
broadcast send an event to each recipient. A failed send skips the recipient, and releases
it from the originator's wait-list.

	@param event *pdu.ChatPDU - the event template
	@param originator string - the event originator
	@param targets []string - the recipients
*/
func (w *workerImpl) broadcast(event *pdu.ChatPDU, originator string, targets []string) {
	released := false
	for _, target := range targets {
		record, ok := w.registry.GetClient(target)
		var err error
		if !ok || record.Conn == nil {
			err = fmt.Errorf("%w: %s is gone", transport.ErrSendFailure, target)
		} else {
			perTarget := *event
			perTarget.UserName = target
			tracePDU(w.LogTags, directionOut, &perTarget)
			err = record.Conn.Send(&perTarget)
		}
		if err == nil {
			w.registry.IncrementSentEvents(target)
			w.counters.events.Add(1)
			continue
		}
		log.WithError(err).WithFields(w.LogTags).Warnf(
			"Failed to send %s to %s", event.PduType, target,
		)
		if !w.variant.ConfirmEvents {
			continue
		}
		remaining, err := w.registry.RemoveFromWaitList(originator, target)
		if err == nil && remaining == 0 {
			released = true
		}
	}
	if !w.variant.ConfirmEvents || released {
		w.completer.complete(event.PduType, originator, event.TransactionID, event.SequenceNumber)
	}
}

// ================================================================================
// Confirms

// confirmOriginatorStatus status the originator must be in for each confirm type
var confirmOriginatorStatus = map[pdu.PduType]pdu.ConversationStatus{
	pdu.LoginEventConfirm:       pdu.StatusRegistering,
	pdu.ChatMessageEventConfirm: pdu.StatusRegistered,
	pdu.LogoutEventConfirm:      pdu.StatusUnregistering,
}

// confirmEventType event type a confirm acknowledges
var confirmEventType = map[pdu.PduType]pdu.PduType{
	pdu.LoginEventConfirm:       pdu.LoginEvent,
	pdu.ChatMessageEventConfirm: pdu.ChatMessageEvent,
	pdu.LogoutEventConfirm:      pdu.LogoutEvent,
}

func (w *workerImpl) handleConfirm(msg *pdu.ChatPDU) error {
	originator := msg.EventUserName
	confirming := w.UserName()
	record, ok := w.registry.GetClient(originator)
	if !ok {
		return fmt.Errorf(
			"%w: %s for unknown originator %s", ErrProtocolViolation, msg.PduType, originator,
		)
	}
	if expected := confirmOriginatorStatus[msg.PduType]; record.Status != expected {
		return fmt.Errorf(
			"%w: %s while originator %s is %s",
			ErrProtocolViolation, msg.PduType, originator, record.Status,
		)
	}
	if msg.TransactionID != record.Pending.TransactionID {
		return fmt.Errorf(
			"%w: stale %s %s, originator %s is waiting on %s",
			ErrProtocolViolation, msg.PduType, msg.TransactionID, originator,
			record.Pending.TransactionID,
		)
	}
	w.counters.confirms.Add(1)
	w.registry.IncrementReceivedConfirms(confirming)
	remaining, err := w.registry.RemoveFromWaitList(originator, confirming)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	log.WithFields(w.LogTags).Debugf(
		"%s from %s for %s, %d pending", msg.PduType, confirming, originator, remaining,
	)
	if remaining == 0 {
		w.completer.complete(
			confirmEventType[msg.PduType], originator, msg.TransactionID, msg.SequenceNumber,
		)
	}
	return nil
}

// ================================================================================
// Lifecycle

// lingering whether the worker's client is done, and the worker may stop
func (w *workerImpl) lingering() bool {
	userName := w.UserName()
	if userName == "" {
		return false
	}
	record, ok := w.ownRecord()
	if !ok {
		return true
	}
	if record.Finished && w.registry.DeleteClient(userName) {
		return true
	}
	for _, removed := range w.registry.GCSweep() {
		if removed == userName {
			return true
		}
	}
	return false
}

func (w *workerImpl) Run(ctxt context.Context) {
	defer w.Teardown()
	log.WithFields(w.LogTags).Debugf("Serving %s", w.conn.Name())
	for {
		select {
		case <-ctxt.Done():
			log.WithFields(w.LogTags).Info("Worker stopping on request")
			return
		default:
		}
		if w.lingering() {
			log.WithFields(w.LogTags).Debug("Client done, worker exiting")
			return
		}
		msg, err := w.conn.Receive(w.receiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				if record, ok := w.ownRecord(); ok && record.Status == pdu.StatusUnregistering {
					log.WithFields(w.LogTags).Warn("Client silent during logout, giving up")
					// A peer's final confirm may be completing the logout right now
					if w.registry.ClaimWaitList(record.UserName) {
						w.completer.completeLogout(record.UserName, record.Pending.TransactionID)
					}
					return
				}
				continue
			}
			if errors.Is(err, transport.ErrEndOfStream) || errors.Is(err, transport.ErrConnectionReset) {
				log.WithError(err).WithFields(w.LogTags).Info("Client connection closed")
				return
			}
			log.WithError(err).WithFields(w.LogTags).Error("Receive failed")
			return
		}
		tracePDU(w.LogTags, directionIn, msg)
		if err := w.dispatch(msg); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				w.counters.protocolViolations.Add(1)
				log.WithError(err).WithFields(w.LogTags).Warnf("Discarding %s", msg)
				continue
			}
			log.WithError(err).WithFields(w.LogTags).Errorf("Failed to process %s", msg)
			return
		}
	}
}

func (w *workerImpl) Teardown() {
	w.teardownOnce.Do(func() {
		userName := w.UserName()
		if userName != "" {
			// Confirms of this client will never arrive
			if released, completed := w.registry.ReleaseClient(userName, w.name); released {
				log.WithFields(w.LogTags).Debugf("Released %s", userName)
				w.completer.completeReleased(completed)
			}
		}
		if err := w.conn.Close(); err != nil {
			log.WithError(err).WithFields(w.LogTags).Debug("Error closing connection")
		}
	})
}
