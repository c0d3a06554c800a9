package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
)

// Registry errors
var (
	// ErrDuplicateClient a record already exists for the user name
	ErrDuplicateClient = errors.New("duplicate client")
	// ErrUnknownClient no record exists for the user name
	ErrUnknownClient = errors.New("unknown client")
	// ErrInvalidTransition the status change does not follow the conversation cycle
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrWaitListInFlight the originator already has a wait-list in flight
	ErrWaitListInFlight = errors.New("wait-list already in flight")
	// ErrNoWaitList the originator does not have a wait-list in flight
	ErrNoWaitList = errors.New("no wait-list in flight")
	// ErrNotInWaitList the confirming user is not pending in the originator's wait-list
	ErrNotInWaitList = errors.New("user not pending in wait-list")
)

// PendingRequest identifies the request an originator is waiting on
type PendingRequest struct {
	// TransactionID is the request's transaction ID
	TransactionID string
	// SequenceNumber is the chat message sequence number
	SequenceNumber int64
	// Message is the chat message text
	Message string
}

// ClientRecord is the registry's view of one logged in client
type ClientRecord struct {
	// UserName is the unique user name of the client
	UserName string `json:"user_name"`
	// Conn is the connection the client's worker owns
	Conn transport.Connection `json:"-"`
	// ClientThreadName is the client side session name
	ClientThreadName string `json:"client_thread_name,omitempty"`
	// WorkerName is the name of the server worker serving the client
	WorkerName string `json:"worker_name"`
	// Status is the conversation status
	Status pdu.ConversationStatus `json:"status"`
	// LoginTime when the login request was accepted
	LoginTime time.Time `json:"login_time"`
	// RequestStartTime when the client's in-flight request was received
	RequestStartTime time.Time `json:"request_start_time"`
	// SentEvents number of events sent to the client
	SentEvents int64 `json:"sent_events"`
	// ReceivedConfirms number of event confirms received from the client
	ReceivedConfirms int64 `json:"received_confirms"`
	// ReceivedChatMessages number of chat messages received from the client
	ReceivedChatMessages int64 `json:"received_chat_messages"`
	// Pending is the request the client's in-flight wait-list belongs to
	Pending PendingRequest `json:"-"`
	// Finished whether the client completed its logout
	Finished bool `json:"finished"`
}

// ClientRegistry is the shared set of connected chat clients, and the wait-lists
// tracking which clients still need to confirm an originator's in-flight event.
//
// All operations are safe to call concurrently. Records are returned as copies; callers
// should re-resolve by user name rather than hold on to a returned record.
type ClientRegistry interface {
	/*
		CreateClient add a new client record with status REGISTERING

		 @param record ClientRecord - the new record
		 @return whether successful, ErrDuplicateClient if the user name is already present
	*/
	CreateClient(record ClientRecord) error

	/*
		GetClient fetch a copy of a client record

		 @param userName string - the user name
		 @return the record and whether it was found
	*/
	GetClient(userName string) (ClientRecord, bool)

	/*
		ChangeStatus change the conversation status of a client. Changing the status of an
		unknown client is a no-op.

		 @param userName string - the user name
		 @param newStatus pdu.ConversationStatus - the new status
		 @return whether successful, ErrInvalidTransition if the change breaks the cycle
	*/
	ChangeStatus(userName string, newStatus pdu.ConversationStatus) error

	/*
		FinishClient mark a client as having completed its logout, and change its status
		to UNREGISTERED.

		 @param userName string - the user name
		 @return whether successful
	*/
	FinishClient(userName string) error

	/*
		DeleteClient delete a client record if it is finished, and is not pending in any
		other originator's wait-list.

		 @param userName string - the user name
		 @return whether the record was deleted
	*/
	DeleteClient(userName string) bool

	/*
		DeleteClientUnconditionally delete a client record and its own wait-list, and remove
		the user from every other originator's wait-list, since its confirms will never
		arrive.

		 @param userName string - the user name
		 @return whether a record was present, and the originators whose wait-list this emptied
	*/
	DeleteClientUnconditionally(userName string) (bool, []string)

	/*
		ReleaseClient same as DeleteClientUnconditionally, but only if the record still
		belongs to the worker. A worker tearing down calls this so it never touches a newer
		login of the same user name served by another worker.

		 @param userName string - the user name
		 @param workerName string - the worker releasing the record
		 @return whether a record was deleted, and the originators whose wait-list this emptied
	*/
	ReleaseClient(userName string, workerName string) (bool, []string)

	/*
		GCSweep delete every finished client record not pending in any wait-list

		 @return the user names of the deleted records
	*/
	GCSweep() []string

	/*
		CreateWaitList start a wait-list for an originator. The wait-list holds the
		originator, and every client currently REGISTERING or REGISTERED. Clients joining
		afterwards are not part of it.

		 @param originator string - the event originator
		 @return the user names in the wait-list, or ErrWaitListInFlight
	*/
	CreateWaitList(originator string) ([]string, error)

	/*
		RemoveFromWaitList remove a confirming client from an originator's wait-list.

		The removal which empties the wait-list returns 0 and nil error; the wait-list is
		deleted at that moment. Every other call either returns a positive count, or an error.
		Thus, exactly one caller observes the wait-list completing.

		 @param originator string - the event originator
		 @param confirming string - the confirming user
		 @return number of clients still pending
	*/
	RemoveFromWaitList(originator, confirming string) (int, error)

	/*
		ClaimWaitList delete an originator's wait-list before it completes. Only the caller
		which gets true may send the originator its response.

		 @param originator string - the event originator
		 @return whether the wait-list was still in flight
	*/
	ClaimWaitList(originator string) bool

	/*
		WaitListSize fetch the number of pending clients in an originator's wait-list

		 @param originator string - the event originator
		 @return the size, and whether a wait-list is in flight
	*/
	WaitListSize(originator string) (int, bool)

	// IncrementSentEvents increment the events sent counter of a client
	IncrementSentEvents(userName string)

	// IncrementReceivedConfirms increment the event confirms received counter of a client
	IncrementReceivedConfirms(userName string)

	// IncrementReceivedChatMessages increment the chat messages received counter of a client
	IncrementReceivedChatMessages(userName string)

	// SetRequestStartTime record when a client's current request was received
	SetRequestStartTime(userName string, startTime time.Time)

	// SetPendingRequest record the request a client's wait-list belongs to
	SetPendingRequest(userName string, request PendingRequest)

	// ListAllNames list the user names of every record
	ListAllNames() []string

	// ListRegisteredNames list the user names of every REGISTERED client
	ListRegisteredNames() []string

	// ListActiveNames list the user names of every REGISTERING or REGISTERED client
	ListActiveNames() []string

	// Snapshot copy of every record, ordered by user name
	Snapshot() []ClientRecord

	// Size number of records
	Size() int

	// Clear remove every record and wait-list, and return the removed records
	Clear() []ClientRecord
}

// clientRegistryImpl implements ClientRegistry
type clientRegistryImpl struct {
	common.Component
	lock      sync.Mutex
	clients   map[string]*ClientRecord
	waitLists map[string]map[string]bool
}

// GetClientRegistry define a new ClientRegistry
func GetClientRegistry(instance string) ClientRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "client-registry", "instance": instance,
	}
	return &clientRegistryImpl{
		Component: common.Component{LogTags: logTags},
		clients:   make(map[string]*ClientRecord),
		waitLists: make(map[string]map[string]bool),
	}
}

func (r *clientRegistryImpl) CreateClient(record ClientRecord) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.clients[record.UserName]; ok {
		err := fmt.Errorf("%w: %s", ErrDuplicateClient, record.UserName)
		log.WithError(err).WithFields(r.LogTags).Warn("Rejecting new client")
		return err
	}
	newRecord := record
	newRecord.Status = pdu.StatusRegistering
	newRecord.Finished = false
	r.clients[record.UserName] = &newRecord
	log.WithFields(r.LogTags).Debugf(
		"Created client %s. Registry size %d", record.UserName, len(r.clients),
	)
	return nil
}

func (r *clientRegistryImpl) GetClient(userName string) (ClientRecord, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if record, ok := r.clients[userName]; ok {
		return *record, true
	}
	return ClientRecord{}, false
}

func (r *clientRegistryImpl) ChangeStatus(userName string, newStatus pdu.ConversationStatus) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.clients[userName]
	if !ok {
		log.WithFields(r.LogTags).Debugf("Ignoring status change of unknown client %s", userName)
		return nil
	}
	if !record.Status.CanAdvanceTo(newStatus) {
		err := fmt.Errorf(
			"%w: %s from %s to %s", ErrInvalidTransition, userName, record.Status, newStatus,
		)
		log.WithError(err).WithFields(r.LogTags).Error("Status change rejected")
		return err
	}
	if record.Status != newStatus {
		log.WithFields(r.LogTags).Debugf("Client %s: %s -> %s", userName, record.Status, newStatus)
	}
	record.Status = newStatus
	return nil
}

func (r *clientRegistryImpl) FinishClient(userName string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.clients[userName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, userName)
	}
	if !record.Status.CanAdvanceTo(pdu.StatusUnregistered) {
		err := fmt.Errorf(
			"%w: %s from %s to %s",
			ErrInvalidTransition, userName, record.Status, pdu.StatusUnregistered,
		)
		log.WithError(err).WithFields(r.LogTags).Error("Unable to finish client")
		return err
	}
	record.Status = pdu.StatusUnregistered
	record.Finished = true
	log.WithFields(r.LogTags).Debugf("Client %s finished", userName)
	return nil
}

// isPending whether a user is pending in another originator's wait-list. Caller holds the lock.
func (r *clientRegistryImpl) isPending(userName string) bool {
	for originator, pending := range r.waitLists {
		if originator == userName {
			continue
		}
		if pending[userName] {
			return true
		}
	}
	return false
}

// deletable whether a record can be deleted. Caller holds the lock.
func (r *clientRegistryImpl) deletable(userName string) bool {
	record, ok := r.clients[userName]
	if !ok || !record.Finished {
		return false
	}
	return !r.isPending(userName)
}

func (r *clientRegistryImpl) DeleteClient(userName string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.deletable(userName) {
		return false
	}
	delete(r.clients, userName)
	delete(r.waitLists, userName)
	log.WithFields(r.LogTags).Debugf(
		"Deleted client %s. Registry size %d", userName, len(r.clients),
	)
	return true
}

// removeClient delete a record and its own wait-list, and drop the user from every other
// wait-list. Caller holds the lock.
func (r *clientRegistryImpl) removeClient(userName string) []string {
	delete(r.clients, userName)
	delete(r.waitLists, userName)
	completed := []string{}
	for originator, pending := range r.waitLists {
		if !pending[userName] {
			continue
		}
		delete(pending, userName)
		if len(pending) == 0 {
			delete(r.waitLists, originator)
			completed = append(completed, originator)
		}
	}
	sort.Strings(completed)
	if len(completed) > 0 {
		log.WithFields(r.LogTags).Debugf("Removing %s completed wait-lists of %v", userName, completed)
	}
	return completed
}

func (r *clientRegistryImpl) DeleteClientUnconditionally(userName string) (bool, []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.clients[userName]; !ok {
		return false, nil
	}
	completed := r.removeClient(userName)
	log.WithFields(r.LogTags).Debugf(
		"Removed client %s. Registry size %d", userName, len(r.clients),
	)
	return true, completed
}

func (r *clientRegistryImpl) ReleaseClient(userName string, workerName string) (bool, []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.clients[userName]
	if !ok || record.WorkerName != workerName {
		return false, nil
	}
	completed := r.removeClient(userName)
	log.WithFields(r.LogTags).Debugf(
		"Released client %s from %s. Registry size %d", userName, workerName, len(r.clients),
	)
	return true, completed
}

func (r *clientRegistryImpl) GCSweep() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := []string{}
	for userName := range r.clients {
		if r.deletable(userName) {
			removed = append(removed, userName)
		}
	}
	for _, userName := range removed {
		delete(r.clients, userName)
		delete(r.waitLists, userName)
	}
	if len(removed) > 0 {
		log.WithFields(r.LogTags).Debugf("GC removed %v", removed)
	}
	return removed
}

func (r *clientRegistryImpl) CreateWaitList(originator string) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.waitLists[originator]; ok {
		err := fmt.Errorf("%w: %s", ErrWaitListInFlight, originator)
		log.WithError(err).WithFields(r.LogTags).Error("Unable to create wait-list")
		return nil, err
	}
	pending := map[string]bool{}
	peers := []string{}
	for userName, record := range r.clients {
		if userName == originator {
			continue
		}
		if record.Status == pdu.StatusRegistering || record.Status == pdu.StatusRegistered {
			pending[userName] = true
			peers = append(peers, userName)
		}
	}
	sort.Strings(peers)
	members := peers
	if _, ok := r.clients[originator]; ok {
		pending[originator] = true
		members = append([]string{originator}, peers...)
	}
	r.waitLists[originator] = pending
	log.WithFields(r.LogTags).Debugf("Created wait-list for %s: %v", originator, members)
	return members, nil
}

func (r *clientRegistryImpl) RemoveFromWaitList(originator, confirming string) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	pending, ok := r.waitLists[originator]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoWaitList, originator)
	}
	if !pending[confirming] {
		return len(pending), fmt.Errorf(
			"%w: %s not pending for %s", ErrNotInWaitList, confirming, originator,
		)
	}
	delete(pending, confirming)
	remaining := len(pending)
	if remaining == 0 {
		delete(r.waitLists, originator)
		log.WithFields(r.LogTags).Debugf("Wait-list for %s completed by %s", originator, confirming)
	}
	return remaining, nil
}

func (r *clientRegistryImpl) ClaimWaitList(originator string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.waitLists[originator]; !ok {
		return false
	}
	delete(r.waitLists, originator)
	log.WithFields(r.LogTags).Debugf("Wait-list for %s claimed before completion", originator)
	return true
}

func (r *clientRegistryImpl) WaitListSize(originator string) (int, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	pending, ok := r.waitLists[originator]
	return len(pending), ok
}

// update apply a change to a client record under the lock
func (r *clientRegistryImpl) update(userName string, change func(record *ClientRecord)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if record, ok := r.clients[userName]; ok {
		change(record)
	}
}

func (r *clientRegistryImpl) IncrementSentEvents(userName string) {
	r.update(userName, func(record *ClientRecord) { record.SentEvents++ })
}

func (r *clientRegistryImpl) IncrementReceivedConfirms(userName string) {
	r.update(userName, func(record *ClientRecord) { record.ReceivedConfirms++ })
}

func (r *clientRegistryImpl) IncrementReceivedChatMessages(userName string) {
	r.update(userName, func(record *ClientRecord) { record.ReceivedChatMessages++ })
}

func (r *clientRegistryImpl) SetRequestStartTime(userName string, startTime time.Time) {
	r.update(userName, func(record *ClientRecord) { record.RequestStartTime = startTime })
}

func (r *clientRegistryImpl) SetPendingRequest(userName string, request PendingRequest) {
	r.update(userName, func(record *ClientRecord) { record.Pending = request })
}

// listNames list the sorted user names of records matching the filter
func (r *clientRegistryImpl) listNames(filter func(record *ClientRecord) bool) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := []string{}
	for userName, record := range r.clients {
		if filter(record) {
			names = append(names, userName)
		}
	}
	sort.Strings(names)
	return names
}

func (r *clientRegistryImpl) ListAllNames() []string {
	return r.listNames(func(*ClientRecord) bool { return true })
}

func (r *clientRegistryImpl) ListRegisteredNames() []string {
	return r.listNames(func(record *ClientRecord) bool {
		return record.Status == pdu.StatusRegistered
	})
}

func (r *clientRegistryImpl) ListActiveNames() []string {
	return r.listNames(func(record *ClientRecord) bool {
		return record.Status == pdu.StatusRegistering || record.Status == pdu.StatusRegistered
	})
}

func (r *clientRegistryImpl) Snapshot() []ClientRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]ClientRecord, 0, len(r.clients))
	for _, record := range r.clients {
		result = append(result, *record)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserName < result[j].UserName })
	return result
}

func (r *clientRegistryImpl) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.clients)
}

func (r *clientRegistryImpl) Clear() []ClientRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]ClientRecord, 0, len(r.clients))
	for _, record := range r.clients {
		result = append(result, *record)
	}
	r.clients = make(map[string]*ClientRecord)
	r.waitLists = make(map[string]map[string]bool)
	log.WithFields(r.LogTags).Infof("Cleared %d clients", len(result))
	return result
}
