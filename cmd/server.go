package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatmq/apis"
	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/core"
	"github.com/alwitt/chatmq/mirror"
	"github.com/alwitt/chatmq/registry"
	"github.com/alwitt/chatmq/server"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
defineEventMirror define the mirror for completed chat operations

	@param config common.MirrorConfig - mirror config
	@param natsClient *core.NatsClient - NATS client. Required if mirroring is enabled.
	@param runtimeContext context.Context - the mirror stops with this context
	@param wg *sync.WaitGroup - tracks the mirror's publishers
	@return the mirror
*/
func defineEventMirror(
	config common.MirrorConfig,
	natsClient *core.NatsClient,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) (mirror.EventMirror, error) {
	if !config.Enabled {
		return mirror.GetNoopMirror(), nil
	}
	if natsClient == nil {
		return nil, fmt.Errorf("event mirror requires a NATS client")
	}
	return mirror.GetNATSMirror(mirror.NATSMirrorParams{
		Subject:        config.Subject,
		BufferSize:     config.BufferSize,
		Workers:        config.Workers,
		PublishTimeout: time.Second * time.Duration(config.PublishTimeout),
	}, natsClient, runtimeContext, wg)
}

// RunChatServer run the chat server, and its REST API server
func RunChatServer(
	runtimeContext context.Context,
	config *common.ChatServerConfig,
	mirrorConfig common.MirrorConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "chat-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid chat server config")
		return err
	}

	variant, err := server.ParseProtocolVariant(config.Protocol.Variant)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid protocol variant")
		return err
	}

	eventMirror, err := defineEventMirror(mirrorConfig, natsClient, runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event mirror")
		return err
	}
	defer func() {
		if err := eventMirror.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop event mirror")
		}
	}()

	chatServer, err := server.GetChatServer(server.ChatServerParams{
		Instance:         instance,
		Registry:         registry.GetClientRegistry(instance),
		Variant:          variant,
		ReceiveTimeout:   time.Second * time.Duration(config.Protocol.ReceiveTimeout),
		StatsLogInterval: time.Second * time.Duration(config.Protocol.StatsLogInterval),
		Mirror:           eventMirror,
	}, runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define chat server")
		return err
	}

	// -------------------------------------------------------------------
	// Start the chat sockets

	tcpListen := fmt.Sprintf("%s:%d", config.Socket.ListenOn, config.Socket.Port)
	tcpSocket, tcpAddr, err := transport.ListenTCP(tcpListen)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", tcpListen)
		return err
	}
	if err := chatServer.Serve(tcpSocket); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serve TCP socket")
		_ = tcpSocket.Close()
		return err
	}
	log.WithFields(logTags).Infof("Chat server listening on tcp://%s", tcpAddr)

	wsAcceptor := transport.NewWebSocketAcceptor(instance)
	if err := chatServer.Serve(wsAcceptor); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serve websocket acceptor")
		_ = wsAcceptor.Close()
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestChatHandler(chatServer, wsAcceptor, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}
	router := apis.DefineChatRouter(config.Endpoints.PathPrefix, httpHandler)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler: h2c.NewHandler(
			handlers.CombinedLoggingHandler(httpHandler, router), &http2.Server{},
		),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the chat server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := chatServer.Stop(ctx); err != nil {
			log.WithError(err).Error("Failure during chat server shutdown")
		}
	}

	return nil
}
