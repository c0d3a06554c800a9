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
	"github.com/alwitt/chatmq/registry"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ChatServerParams settings for the chat server
type ChatServerParams struct {
	// Instance is the server instance name
	Instance string `validate:"required"`
	// Registry is the shared client registry
	Registry registry.ClientRegistry `validate:"required"`
	// Variant is the protocol variant
	Variant ProtocolVariant
	// ReceiveTimeout is the worker idle receive timeout
	ReceiveTimeout time.Duration `validate:"gte=0"`
	// StatsLogInterval how often to log the server counters. Disabled if zero.
	StatsLogInterval time.Duration `validate:"gte=0"`
	// Mirror forwards completed operations
	Mirror mirror.EventMirror `validate:"required"`
}

// ChatServer accepts chat client connections, and starts one worker for each
type ChatServer interface {
	/*
		Serve start accepting connections from a server socket. Can be called once per socket.

		 @param socket transport.ServerSocket - the server socket
	*/
	Serve(socket transport.ServerSocket) error

	// Ready whether the server is accepting connections
	Ready() bool

	// Stats current server counters
	Stats() CounterSnapshot

	// Clients snapshot of the client registry
	Clients() []registry.ClientRecord

	/*
		DisconnectClient close a client's connection, and remove it from the registry

		 @param userName string - the user name
		 @return whether the client was present
	*/
	DisconnectClient(userName string) bool

	/*
		Stop stop accepting, close every client connection, and wait for the workers to exit

		 @param ctxt context.Context - bounds the wait for the workers
	*/
	Stop(ctxt context.Context) error
}

// chatServerImpl implements ChatServer
type chatServerImpl struct {
	common.Component
	registry         registry.ClientRegistry
	variant          ProtocolVariant
	receiveTimeout   time.Duration
	counters         *Counters
	mirror           mirror.EventMirror
	completer        *completer
	operatingContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
	workerWG         sync.WaitGroup
	lock             sync.Mutex
	sockets          []transport.ServerSocket
	conns            map[string]transport.Connection
	accepting        atomic.Int64
	stopped          bool
	statsTimer       common.IntervalTimer
}

/*
GetChatServer define a new ChatServer

	@param params ChatServerParams - server settings
	@param ctxt context.Context - parent context
	@param wg *sync.WaitGroup - tracks the accept loops and the stats timer
	@return new ChatServer
*/
func GetChatServer(
	params ChatServerParams, ctxt context.Context, wg *sync.WaitGroup,
) (ChatServer, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "server", "component": "chat-server", "instance": params.Instance,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	counters := &Counters{}
	instance := &chatServerImpl{
		Component:        common.Component{LogTags: logTags},
		registry:         params.Registry,
		variant:          params.Variant,
		receiveTimeout:   params.ReceiveTimeout,
		counters:         counters,
		mirror:           params.Mirror,
		completer: &completer{
			Component: common.Component{LogTags: logTags},
			registry:  params.Registry,
			counters:  counters,
			mirror:    params.Mirror,
		},
		operatingContext: optCtxt,
		contextCancel:    cancel,
		wg:               wg,
		sockets:          []transport.ServerSocket{},
		conns:            map[string]transport.Connection{},
	}
	if params.StatsLogInterval > 0 {
		timer, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("%s-stats", params.Instance), optCtxt, wg,
		)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := timer.Start(params.StatsLogInterval, instance.logStats, false); err != nil {
			cancel()
			return nil, err
		}
		instance.statsTimer = timer
	}
	log.WithFields(logTags).Infof("Chat server using %s protocol", params.Variant)
	return instance, nil
}

func (s *chatServerImpl) logStats() error {
	stats := s.Stats()
	log.WithFields(s.LogTags).WithFields(log.Fields{
		"logged_in":           stats.LoggedIn,
		"logins":              stats.Logins,
		"login_rejections":    stats.LoginRejections,
		"logouts":             stats.Logouts,
		"requests":            stats.Requests,
		"events":              stats.Events,
		"confirms":            stats.Confirms,
		"protocol_violations": stats.ProtocolViolations,
		"active_workers":      stats.ActiveWorkers,
	}).Info("Server statistics")
	return nil
}

func (s *chatServerImpl) Serve(socket transport.ServerSocket) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return fmt.Errorf("chat server is stopped")
	}
	s.sockets = append(s.sockets, socket)
	s.accepting.Add(1)
	s.wg.Add(1)
	go s.acceptLoop(socket)
	return nil
}

func (s *chatServerImpl) acceptLoop(socket transport.ServerSocket) {
	defer s.wg.Done()
	defer s.accepting.Add(-1)
	for {
		conn, err := socket.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrSocketClosed) {
				log.WithFields(s.LogTags).Info("Server socket closed, accept loop exiting")
			} else {
				log.WithError(err).WithFields(s.LogTags).Error("Accept failed, accept loop exiting")
			}
			return
		}
		workerName := fmt.Sprintf("worker-%s", uuid.New().String())
		worker, err := GetWorker(WorkerParams{
			Name:           workerName,
			Conn:           conn,
			Registry:       s.registry,
			Variant:        s.variant,
			ReceiveTimeout: s.receiveTimeout,
			Counters:       s.counters,
			Mirror:         s.mirror,
		})
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to define worker")
			_ = conn.Close()
			continue
		}
		s.lock.Lock()
		if s.stopped {
			s.lock.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[workerName] = conn
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debugf("Accepted %s, served by %s", conn.Name(), workerName)
		s.counters.activeWorkers.Add(1)
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer s.counters.activeWorkers.Add(-1)
			defer func() {
				s.lock.Lock()
				delete(s.conns, workerName)
				s.lock.Unlock()
			}()
			worker.Run(s.operatingContext)
		}()
	}
}

func (s *chatServerImpl) Ready() bool {
	return s.accepting.Load() > 0
}

func (s *chatServerImpl) Stats() CounterSnapshot {
	stats := s.counters.Snapshot()
	stats.LoggedIn = len(s.registry.ListRegisteredNames())
	return stats
}

func (s *chatServerImpl) Clients() []registry.ClientRecord {
	return s.registry.Snapshot()
}

func (s *chatServerImpl) DisconnectClient(userName string) bool {
	record, ok := s.registry.GetClient(userName)
	if !ok {
		return false
	}
	// The worker finds no record when it tears down, so the kick releases the wait-lists
	deleted, completed := s.registry.DeleteClientUnconditionally(userName)
	if !deleted {
		return false
	}
	log.WithFields(s.LogTags).Infof("Disconnecting %s", userName)
	if record.Conn != nil {
		if err := record.Conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf("Error closing %s", userName)
		}
	}
	s.completer.completeReleased(completed)
	return true
}

func (s *chatServerImpl) Stop(ctxt context.Context) error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil
	}
	s.stopped = true
	sockets := s.sockets
	conns := make([]transport.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.lock.Unlock()

	log.WithFields(s.LogTags).Info("Stopping chat server")
	if s.statsTimer != nil {
		if err := s.statsTimer.Stop(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to stop stats timer")
		}
	}
	for _, socket := range sockets {
		if err := socket.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to close server socket")
		}
	}
	s.contextCancel()
	removed := s.registry.Clear()
	for _, conn := range conns {
		_ = conn.Close()
	}
	log.WithFields(s.LogTags).Infof("Closed %d connections, %d clients", len(conns), len(removed))

	done := make(chan bool)
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(s.LogTags).Info("All workers stopped")
		return nil
	case <-ctxt.Done():
		return fmt.Errorf("workers still running: %w", ctxt.Err())
	}
}
