package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/chatmq/mirror"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/registry"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingMirror EventMirror which keeps every record
type recordingMirror struct {
	lock    sync.Mutex
	records []mirror.Record
}

func (m *recordingMirror) Mirror(record mirror.Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *recordingMirror) Stop() error {
	return nil
}

func (m *recordingMirror) types() []mirror.RecordType {
	m.lock.Lock()
	defer m.lock.Unlock()
	result := []mirror.RecordType{}
	for _, record := range m.records {
		result = append(result, record.Type)
	}
	return result
}

// workerHarness runs workers over in-memory pipes
type workerHarness struct {
	registry       registry.ClientRegistry
	counters       *Counters
	mirror         *recordingMirror
	variant        ProtocolVariant
	receiveTimeout time.Duration
	ctxt           context.Context
	wg             sync.WaitGroup
}

func newWorkerHarness(
	ctxt context.Context, variant ProtocolVariant, receiveTimeout time.Duration,
) *workerHarness {
	return &workerHarness{
		registry:       registry.GetClientRegistry("testing"),
		counters:       &Counters{},
		mirror:         &recordingMirror{},
		variant:        variant,
		receiveTimeout: receiveTimeout,
		ctxt:           ctxt,
	}
}

// connect start a worker, and return the client end of its connection
func (h *workerHarness) connect(assert *assert.Assertions) (transport.Connection, Worker) {
	serverEnd, clientEnd := transport.NewPipe()
	worker, err := GetWorker(WorkerParams{
		Name:           fmt.Sprintf("worker-%s", uuid.New().String()),
		Conn:           serverEnd,
		Registry:       h.registry,
		Variant:        h.variant,
		ReceiveTimeout: h.receiveTimeout,
		Counters:       h.counters,
		Mirror:         h.mirror,
	})
	assert.Nil(err)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		worker.Run(h.ctxt)
	}()
	return clientEnd, worker
}

// expectPDU receive the next PDU, which must be of the given type
func expectPDU(
	assert *assert.Assertions, conn transport.Connection, pduType pdu.PduType,
) *pdu.ChatPDU {
	msg, err := conn.Receive(time.Second * 2)
	if !assert.Nil(err, "waiting for %s", pduType) {
		return &pdu.ChatPDU{}
	}
	assert.Equal(pduType, msg.PduType)
	return msg
}

// expectNothing no PDU arrives within a short wait
func expectNothing(assert *assert.Assertions, conn transport.Connection) {
	msg, err := conn.Receive(time.Millisecond * 100)
	assert.True(errors.Is(err, transport.ErrReceiveTimeout), "unexpected %v", msg)
}

// confirmPDU build the confirm a client answers an event with
func confirmPDU(userName string, event *pdu.ChatPDU) *pdu.ChatPDU {
	return &pdu.ChatPDU{
		PduType:        event.PduType.ConfirmType(),
		UserName:       userName,
		EventUserName:  event.EventUserName,
		TransactionID:  event.TransactionID,
		SequenceNumber: event.SequenceNumber,
	}
}

type testClient struct {
	name string
	conn transport.Connection
}

/*
loginAdvanced log a new client in, with every logged in client confirming the login event

	@param present []testClient - clients already logged in
	@param joining testClient - the client logging in
*/
func loginAdvanced(assert *assert.Assertions, present []testClient, joining testClient) {
	txID := uuid.New().String()
	assert.Nil(joining.conn.Send(&pdu.ChatPDU{
		PduType: pdu.LoginRequest, UserName: joining.name, TransactionID: txID,
	}))
	for _, client := range append([]testClient{joining}, present...) {
		event := expectPDU(assert, client.conn, pdu.LoginEvent)
		assert.Equal(client.name, event.UserName)
		assert.Equal(joining.name, event.EventUserName)
		assert.Equal(txID, event.TransactionID)
		assert.Contains(event.Clients, joining.name)
		assert.Nil(client.conn.Send(confirmPDU(client.name, event)))
	}
	response := expectPDU(assert, joining.conn, pdu.LoginResponse)
	assert.Equal(pdu.NoError, response.ErrorCode)
	assert.Equal(pdu.StatusRegistered, response.ClientStatus)
	assert.Equal(txID, response.TransactionID)
}

func TestWorkerSingleClientConversation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()

	// Case 0: login alone
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginRequest, UserName: alice.name, TransactionID: txID,
		}))
		event := expectPDU(assert, alice.conn, pdu.LoginEvent)
		assert.Equal([]string{alice.name}, event.Clients)
		assert.Equal(txID, event.TransactionID)
		record, ok := uut.registry.GetClient(alice.name)
		assert.True(ok)
		assert.Equal(pdu.StatusRegistering, record.Status)
		// No response before the confirm
		expectNothing(assert, alice.conn)

		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		response := expectPDU(assert, alice.conn, pdu.LoginResponse)
		assert.Equal(pdu.NoError, response.ErrorCode)
		assert.Equal(txID, response.TransactionID)
		record, ok = uut.registry.GetClient(alice.name)
		assert.True(ok)
		assert.Equal(pdu.StatusRegistered, record.Status)
		assert.Equal(int64(1), uut.counters.logins.Load())
	}

	// Case 1: chat message
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType:        pdu.ChatMessageRequest,
			UserName:       alice.name,
			TransactionID:  txID,
			SequenceNumber: 1,
			Message:        "hello",
		}))
		event := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
		assert.Equal("hello", event.Message)
		assert.Equal(int64(1), event.SequenceNumber)
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		response := expectPDU(assert, alice.conn, pdu.ChatMessageResponse)
		assert.Equal(int64(1), response.SequenceNumber)
		assert.Equal(int64(1), response.ReceivedChatMessages)
		assert.Equal(int64(2), response.SentEvents)
		assert.Equal(int64(2), response.ReceivedConfirms)
		assert.Greater(response.ServerTime, int64(0))
	}

	// Case 2: logout
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LogoutRequest, UserName: alice.name, TransactionID: txID,
		}))
		event := expectPDU(assert, alice.conn, pdu.LogoutEvent)
		assert.Equal(pdu.StatusUnregistering, event.ClientStatus)
		assert.Empty(event.Clients)
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		response := expectPDU(assert, alice.conn, pdu.LogoutResponse)
		assert.Equal(txID, response.TransactionID)
		assert.Equal(int64(3), response.SentEvents)

		// The worker exits once the client is finished
		_, err := alice.conn.Receive(time.Second * 2)
		assert.True(errors.Is(err, transport.ErrEndOfStream))
		assert.Eventually(func() bool { return uut.registry.Size() == 0 }, time.Second, time.Millisecond*10)
		assert.Equal(int64(1), uut.counters.logouts.Load())
		assert.Equal(
			[]mirror.RecordType{mirror.LoginRecord, mirror.ChatMessageRecord, mirror.LogoutRecord},
			uut.mirror.types(),
		)
	}
}

func TestWorkerTwoClients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	bob.conn, _ = uut.connect(assert)
	defer bob.conn.Close()

	loginAdvanced(assert, nil, alice)

	// Case 0: bob's response waits on both confirms
	{
		txID := uuid.New().String()
		assert.Nil(bob.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginRequest, UserName: bob.name, TransactionID: txID,
		}))
		bobEvent := expectPDU(assert, bob.conn, pdu.LoginEvent)
		aliceEvent := expectPDU(assert, alice.conn, pdu.LoginEvent)
		assert.Equal([]string{alice.name, bob.name}, aliceEvent.Clients)
		assert.Equal(txID, aliceEvent.TransactionID)
		size, ok := uut.registry.WaitListSize(bob.name)
		assert.True(ok)
		assert.Equal(2, size)

		assert.Nil(bob.conn.Send(confirmPDU(bob.name, bobEvent)))
		expectNothing(assert, bob.conn)
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, aliceEvent)))
		response := expectPDU(assert, bob.conn, pdu.LoginResponse)
		assert.Equal(txID, response.TransactionID)
		expectNothing(assert, bob.conn)
		expectNothing(assert, alice.conn)
	}

	// Case 1: chat message reaches both, only alice gets the response
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType:        pdu.ChatMessageRequest,
			UserName:       alice.name,
			TransactionID:  txID,
			SequenceNumber: 1,
			Message:        "hi bob",
		}))
		aliceEvent := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
		bobEvent := expectPDU(assert, bob.conn, pdu.ChatMessageEvent)
		assert.Equal(txID, aliceEvent.TransactionID)
		assert.Equal(txID, bobEvent.TransactionID)
		assert.Equal(int64(1), bobEvent.SequenceNumber)
		assert.Equal(alice.name, bobEvent.EventUserName)
		assert.Equal("hi bob", bobEvent.Message)

		assert.Nil(alice.conn.Send(confirmPDU(alice.name, aliceEvent)))
		assert.Eventually(func() bool {
			size, _ := uut.registry.WaitListSize(alice.name)
			return size == 1
		}, time.Second, time.Millisecond*10)
		assert.Nil(bob.conn.Send(confirmPDU(bob.name, bobEvent)))

		response := expectPDU(assert, alice.conn, pdu.ChatMessageResponse)
		assert.Equal(int64(1), response.ReceivedChatMessages)
		// Login events of alice and bob, plus the chat message event
		assert.Equal(int64(3), response.SentEvents)
		assert.Equal(int64(3), response.ReceivedConfirms)
		expectNothing(assert, bob.conn)
	}

	// Case 2: bob logs out, alice sees the event
	{
		assert.Nil(bob.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LogoutRequest, UserName: bob.name, TransactionID: uuid.New().String(),
		}))
		bobEvent := expectPDU(assert, bob.conn, pdu.LogoutEvent)
		aliceEvent := expectPDU(assert, alice.conn, pdu.LogoutEvent)
		assert.Equal([]string{alice.name}, aliceEvent.Clients)
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, aliceEvent)))
		assert.Nil(bob.conn.Send(confirmPDU(bob.name, bobEvent)))
		expectPDU(assert, bob.conn, pdu.LogoutResponse)
		assert.Eventually(func() bool {
			_, ok := uut.registry.GetClient(bob.name)
			return !ok
		}, time.Second, time.Millisecond*10)
		assert.Equal([]string{alice.name}, uut.registry.ListRegisteredNames())
	}
}

func TestWorkerDuplicateLogin(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	loginAdvanced(assert, nil, alice)

	imposter, _ := uut.connect(assert)
	defer imposter.Close()

	txID := uuid.New().String()
	assert.Nil(imposter.Send(&pdu.ChatPDU{
		PduType: pdu.LoginRequest, UserName: alice.name, TransactionID: txID,
	}))
	response := expectPDU(assert, imposter, pdu.LoginResponse)
	assert.Equal(pdu.LoginError, response.ErrorCode)
	assert.Equal(txID, response.TransactionID)
	expectNothing(assert, alice.conn)

	assert.Equal(1, uut.registry.Size())
	record, ok := uut.registry.GetClient(alice.name)
	assert.True(ok)
	assert.Equal(pdu.StatusRegistered, record.Status)
	_, inFlight := uut.registry.WaitListSize(alice.name)
	assert.False(inFlight)
	assert.Equal(int64(1), uut.counters.loginRejections.Load())

	// The rejected connection closing leaves alice untouched
	assert.Nil(imposter.Close())
	assert.Eventually(func() bool {
		return uut.counters.requests.Load() == 2
	}, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 50)
	_, ok = uut.registry.GetClient(alice.name)
	assert.True(ok)
}

func TestWorkerConcurrentConfirmsRespondOnce(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	clients := []testClient{}
	for itr := 0; itr < 8; itr++ {
		client := testClient{name: fmt.Sprintf("user-%d", itr)}
		client.conn, _ = uut.connect(assert)
		defer client.conn.Close()
		loginAdvanced(assert, clients, client)
		clients = append(clients, client)
	}
	originator := clients[0]

	for round := int64(1); round <= 5; round++ {
		txID := uuid.New().String()
		assert.Nil(originator.conn.Send(&pdu.ChatPDU{
			PduType:        pdu.ChatMessageRequest,
			UserName:       originator.name,
			TransactionID:  txID,
			SequenceNumber: round,
			Message:        fmt.Sprintf("round %d", round),
		}))
		events := make([]*pdu.ChatPDU, len(clients))
		for idx, client := range clients {
			events[idx] = expectPDU(assert, client.conn, pdu.ChatMessageEvent)
			assert.Equal(round, events[idx].SequenceNumber)
		}

		start := make(chan bool)
		wg := sync.WaitGroup{}
		for idx, client := range clients {
			wg.Add(1)
			go func(client testClient, event *pdu.ChatPDU) {
				defer wg.Done()
				<-start
				assert.Nil(client.conn.Send(confirmPDU(client.name, event)))
			}(client, events[idx])
		}
		close(start)
		wg.Wait()

		response := expectPDU(assert, originator.conn, pdu.ChatMessageResponse)
		assert.Equal(round, response.SequenceNumber)
		assert.Equal(txID, response.TransactionID)
		assert.Equal(round, response.ReceivedChatMessages)
		expectNothing(assert, originator.conn)
	}
}

func TestWorkerProtocolViolations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()

	// Case 0: requests before login
	{
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.ChatMessageRequest, UserName: alice.name, Message: "early",
		}))
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{PduType: "NOT_A_PDU", UserName: alice.name}))
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{PduType: pdu.LoginRequest}))
		expectNothing(assert, alice.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 3
		}, time.Second, time.Millisecond*10)
		assert.Equal(0, uut.registry.Size())
	}

	// Case 1: chat message while still REGISTERING
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginRequest, UserName: alice.name, TransactionID: txID,
		}))
		event := expectPDU(assert, alice.conn, pdu.LoginEvent)
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.ChatMessageRequest, UserName: alice.name, Message: "too early",
		}))
		expectNothing(assert, alice.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 4
		}, time.Second, time.Millisecond*10)

		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		expectPDU(assert, alice.conn, pdu.LoginResponse)
	}

	// Case 2: repeated confirm, and confirm for an unknown originator
	{
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.ChatMessageEventConfirm, UserName: alice.name, EventUserName: alice.name,
		}))
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginEventConfirm, UserName: alice.name, EventUserName: "nobody",
		}))
		expectNothing(assert, alice.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 6
		}, time.Second, time.Millisecond*10)
	}

	// Case 3: second chat message while the first is in flight
	{
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.ChatMessageRequest, UserName: alice.name, SequenceNumber: 1, Message: "a",
		}))
		event := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.ChatMessageRequest, UserName: alice.name, SequenceNumber: 2, Message: "b",
		}))
		expectNothing(assert, alice.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 7
		}, time.Second, time.Millisecond*10)

		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		response := expectPDU(assert, alice.conn, pdu.ChatMessageResponse)
		assert.Equal(int64(1), response.SequenceNumber)
		assert.Equal(int64(1), response.ReceivedChatMessages)
	}
}

func TestWorkerSimpleProtocol(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, SimpleProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	bob.conn, _ = uut.connect(assert)
	defer bob.conn.Close()

	// Case 0: responses follow the events right away
	{
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginRequest, UserName: alice.name, TransactionID: uuid.New().String(),
		}))
		expectPDU(assert, alice.conn, pdu.LoginEvent)
		expectPDU(assert, alice.conn, pdu.LoginResponse)

		assert.Nil(bob.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LoginRequest, UserName: bob.name, TransactionID: uuid.New().String(),
		}))
		expectPDU(assert, bob.conn, pdu.LoginEvent)
		expectPDU(assert, bob.conn, pdu.LoginResponse)
		expectPDU(assert, alice.conn, pdu.LoginEvent)
		_, inFlight := uut.registry.WaitListSize(bob.name)
		assert.False(inFlight)
	}

	// Case 1: chat message
	{
		assert.Nil(bob.conn.Send(&pdu.ChatPDU{
			PduType:        pdu.ChatMessageRequest,
			UserName:       bob.name,
			TransactionID:  uuid.New().String(),
			SequenceNumber: 1,
			Message:        "simple",
		}))
		event := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
		assert.Equal("simple", event.Message)
		expectPDU(assert, bob.conn, pdu.ChatMessageEvent)
		response := expectPDU(assert, bob.conn, pdu.ChatMessageResponse)
		assert.Equal(int64(1), response.SequenceNumber)

		// Confirms are not part of the simple protocol
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		expectNothing(assert, bob.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: logout
	{
		assert.Nil(bob.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LogoutRequest, UserName: bob.name, TransactionID: uuid.New().String(),
		}))
		expectPDU(assert, bob.conn, pdu.LogoutEvent)
		expectPDU(assert, bob.conn, pdu.LogoutResponse)
		event := expectPDU(assert, alice.conn, pdu.LogoutEvent)
		assert.Equal([]string{alice.name}, event.Clients)
		_, err := bob.conn.Receive(time.Second * 2)
		assert.True(errors.Is(err, transport.ErrEndOfStream))
		assert.Equal(int64(2), uut.counters.logins.Load())
		assert.Equal(int64(1), uut.counters.logouts.Load())
	}
}

func TestWorkerTeardownReleasesWaitList(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	var bobWorker Worker
	bob.conn, bobWorker = uut.connect(assert)

	loginAdvanced(assert, nil, alice)
	loginAdvanced(assert, []testClient{alice}, bob)

	assert.Nil(alice.conn.Send(&pdu.ChatPDU{
		PduType:        pdu.ChatMessageRequest,
		UserName:       alice.name,
		TransactionID:  uuid.New().String(),
		SequenceNumber: 1,
		Message:        "anyone there?",
	}))
	event := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
	expectPDU(assert, bob.conn, pdu.ChatMessageEvent)

	// Case 0: bob disappears without confirming
	{
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))
		assert.Nil(bob.conn.Close())
		response := expectPDU(assert, alice.conn, pdu.ChatMessageResponse)
		assert.Equal(int64(1), response.SequenceNumber)
		assert.Eventually(func() bool {
			_, ok := uut.registry.GetClient(bob.name)
			return !ok
		}, time.Second, time.Millisecond*10)
	}

	// Case 1: repeated teardown has no further effect
	{
		bobWorker.Teardown()
		bobWorker.Teardown()
		assert.Equal([]string{alice.name}, uut.registry.ListAllNames())
		expectNothing(assert, alice.conn)
	}
}

func TestWorkerTeardownKeepsNewerLogin(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	var aliceWorker Worker
	alice.conn, aliceWorker = uut.connect(assert)
	defer alice.conn.Close()
	loginAdvanced(assert, nil, alice)

	// The record now belongs to another worker
	deleted, _ := uut.registry.DeleteClientUnconditionally(alice.name)
	assert.True(deleted)
	assert.Nil(uut.registry.CreateClient(registry.ClientRecord{
		UserName: alice.name, WorkerName: "another-worker", Status: pdu.StatusRegistered,
	}))
	assert.Nil(uut.registry.CreateClient(registry.ClientRecord{
		UserName: "bob", WorkerName: "bob-worker", Status: pdu.StatusRegistered,
	}))
	members, err := uut.registry.CreateWaitList("bob")
	assert.Nil(err)
	assert.Equal([]string{"bob", alice.name}, members)

	aliceWorker.Teardown()
	record, ok := uut.registry.GetClient(alice.name)
	assert.True(ok)
	assert.Equal("another-worker", record.WorkerName)
	// The newer login still owes bob a confirm
	size, inFlight := uut.registry.WaitListSize("bob")
	assert.True(inFlight)
	assert.Equal(2, size)
	_, err = alice.conn.Receive(time.Second * 2)
	assert.True(errors.Is(err, transport.ErrEndOfStream))
}

func TestWorkerTimeoutDuringLogout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Millisecond*200)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	bob.conn, _ = uut.connect(assert)
	defer bob.conn.Close()

	loginAdvanced(assert, nil, alice)
	loginAdvanced(assert, []testClient{alice}, bob)

	// Case 0: an idle timeout while REGISTERED is harmless
	{
		time.Sleep(time.Millisecond * 500)
		assert.Equal([]string{alice.name, bob.name}, uut.registry.ListRegisteredNames())
	}

	// Case 1: bob never confirms alice's logout
	{
		txID := uuid.New().String()
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LogoutRequest, UserName: alice.name, TransactionID: txID,
		}))
		event := expectPDU(assert, alice.conn, pdu.LogoutEvent)
		expectPDU(assert, bob.conn, pdu.LogoutEvent)
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, event)))

		response := expectPDU(assert, alice.conn, pdu.LogoutResponse)
		assert.Equal(txID, response.TransactionID)
		_, err := alice.conn.Receive(time.Second * 2)
		assert.True(errors.Is(err, transport.ErrEndOfStream))
		assert.Eventually(func() bool {
			_, ok := uut.registry.GetClient(alice.name)
			return !ok
		}, time.Second, time.Millisecond*10)
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Millisecond*50)

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	loginAdvanced(assert, nil, alice)

	cancel()
	uut.wg.Wait()
	assert.Equal(0, uut.registry.Size())
	_, err := alice.conn.Receive(time.Second)
	assert.True(errors.Is(err, transport.ErrEndOfStream))
}

func TestWorkerTimeoutLogoutAlreadyClaimed(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Millisecond*200)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	bob.conn, _ = uut.connect(assert)
	defer bob.conn.Close()

	loginAdvanced(assert, nil, alice)
	loginAdvanced(assert, []testClient{alice}, bob)

	// Case 0: the logout wait-list is completed elsewhere before alice's worker times out
	{
		assert.Nil(alice.conn.Send(&pdu.ChatPDU{
			PduType: pdu.LogoutRequest, UserName: alice.name, TransactionID: uuid.New().String(),
		}))
		expectPDU(assert, alice.conn, pdu.LogoutEvent)
		expectPDU(assert, bob.conn, pdu.LogoutEvent)
		assert.True(uut.registry.ClaimWaitList(alice.name))

		// Only the claimer answers, so alice's worker just leaves
		_, err := alice.conn.Receive(time.Second * 2)
		assert.True(errors.Is(err, transport.ErrEndOfStream))
		assert.Equal(int64(0), uut.counters.logouts.Load())
	}

	// Case 1: nothing is left to claim
	{
		assert.False(uut.registry.ClaimWaitList(alice.name))
		expectNothing(assert, bob.conn)
	}
}

func TestWorkerRejectsStaleConfirm(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := newWorkerHarness(ctxt, AdvancedProtocol, time.Second*5)
	defer uut.wg.Wait()

	alice := testClient{name: "alice"}
	alice.conn, _ = uut.connect(assert)
	defer alice.conn.Close()
	bob := testClient{name: "bob"}
	bob.conn, _ = uut.connect(assert)
	defer bob.conn.Close()

	loginAdvanced(assert, nil, alice)
	loginAdvanced(assert, []testClient{alice}, bob)

	txID := uuid.New().String()
	assert.Nil(alice.conn.Send(&pdu.ChatPDU{
		PduType:        pdu.ChatMessageRequest,
		UserName:       alice.name,
		TransactionID:  txID,
		SequenceNumber: 1,
		Message:        "current",
	}))
	aliceEvent := expectPDU(assert, alice.conn, pdu.ChatMessageEvent)
	bobEvent := expectPDU(assert, bob.conn, pdu.ChatMessageEvent)

	// Case 0: a confirm carrying another transaction is rejected
	{
		stale := confirmPDU(bob.name, bobEvent)
		stale.TransactionID = uuid.New().String()
		assert.Nil(bob.conn.Send(stale))
		expectNothing(assert, alice.conn)
		assert.Eventually(func() bool {
			return uut.counters.protocolViolations.Load() == 1
		}, time.Second, time.Millisecond*10)
		size, inFlight := uut.registry.WaitListSize(alice.name)
		assert.True(inFlight)
		assert.Equal(2, size)
	}

	// Case 1: the matching confirms complete the message
	{
		assert.Nil(alice.conn.Send(confirmPDU(alice.name, aliceEvent)))
		assert.Nil(bob.conn.Send(confirmPDU(bob.name, bobEvent)))
		response := expectPDU(assert, alice.conn, pdu.ChatMessageResponse)
		assert.Equal(txID, response.TransactionID)
		assert.Equal(int64(1), response.SequenceNumber)
		assert.Equal(int64(1), uut.counters.protocolViolations.Load())
	}
}
