package apis

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/registry"
	"github.com/alwitt/chatmq/server"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestChatHandler REST handler for inspecting and operating the chat server
type APIRestChatHandler struct {
	goutils.RestAPIHandler
	core       server.ChatServer
	wsAcceptor http.Handler
}

/*
GetAPIRestChatHandler define APIRestChatHandler

	@param core server.ChatServer - the chat server
	@param wsAcceptor http.Handler - upgrades websocket chat connections. Not served if nil.
	@param httpConfig *common.HTTPConfig - HTTP API settings
	@return new handler
*/
func GetAPIRestChatHandler(
	core server.ChatServer, wsAcceptor http.Handler, httpConfig *common.HTTPConfig,
) (APIRestChatHandler, error) {
	if core == nil {
		return APIRestChatHandler{}, fmt.Errorf("chat server is required")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "chat",
	}
	return APIRestChatHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, core: core, wsAcceptor: wsAcceptor,
	}, nil
}

// Write logging support
func (h APIRestChatHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// -----------------------------------------------------------------------

// APIRestRespClientInfo adhoc structure for presenting registry.ClientRecord
type APIRestRespClientInfo struct {
	// UserName is the user name of the client
	UserName string `json:"user_name"`
	// Status is the conversation status
	Status string `json:"status"`
	// WorkerName is the server worker serving the client
	WorkerName string `json:"worker_name"`
	// LoginTime when the client logged in
	LoginTime time.Time `json:"login_time"`
	// SentEvents number of events sent to the client
	SentEvents int64 `json:"sent_events"`
	// ReceivedConfirms number of event confirms received from the client
	ReceivedConfirms int64 `json:"received_confirms"`
	// ReceivedChatMessages number of chat messages received from the client
	ReceivedChatMessages int64 `json:"received_chat_messages"`
	// Finished whether the client completed its logout
	Finished bool `json:"finished"`
}

func convertClientRecord(record registry.ClientRecord) APIRestRespClientInfo {
	return APIRestRespClientInfo{
		UserName:             record.UserName,
		Status:               string(record.Status),
		WorkerName:           record.WorkerName,
		LoginTime:            record.LoginTime,
		SentEvents:           record.SentEvents,
		ReceivedConfirms:     record.ReceivedConfirms,
		ReceivedChatMessages: record.ReceivedChatMessages,
		Finished:             record.Finished,
	}
}

// APIRestRespAllClients response for listing all clients
type APIRestRespAllClients struct {
	goutils.RestAPIBaseResponse
	// Clients the clients currently in the registry
	Clients []APIRestRespClientInfo `json:"clients"`
}

// GetAllClients godoc
// @Summary Query for all chat clients
// @Description Query for the registry entry of every connected chat client
// @tags Chat
// @Produce json
// @Param Chatmq-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllClients "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Chatmq-Request-ID "Request ID to match against logs"
// @Router /v1/chat/clients [get]
func (h APIRestChatHandler) GetAllClients(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	records := h.core.Clients()
	converted := make([]APIRestRespClientInfo, 0, len(records))
	for _, record := range records {
		converted = append(converted, convertClientRecord(record))
	}
	resp := APIRestRespAllClients{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Clients: converted,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllClientsHandler Wrapper around GetAllClients
func (h APIRestChatHandler) GetAllClientsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllClients(w, r)
	}
}

// -----------------------------------------------------------------------

// DisconnectClient godoc
// @Summary Disconnect a chat client
// @Description Close a chat client's connection, and remove it from the registry
// @tags Chat
// @Produce json
// @Param Chatmq-Request-ID header string false "User provided request ID to match against logs"
// @Param userName path string true "Chat client user name"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404 {string} Chatmq-Request-ID "Request ID to match against logs"
// @Router /v1/chat/clients/{userName} [delete]
func (h APIRestChatHandler) DisconnectClient(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userName, ok := vars["userName"]
	if !ok || userName == "" {
		msg := "requires user name"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, "")
		return
	}

	if !h.core.DisconnectClient(userName) {
		msg := fmt.Sprintf("client %s is not connected", userName)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, "")
		return
	}

	log.WithFields(localLogTags).Infof("Disconnected client %s", userName)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DisconnectClientHandler Wrapper around DisconnectClient
func (h APIRestChatHandler) DisconnectClientHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectClient(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespServerStats response for the server counters
type APIRestRespServerStats struct {
	goutils.RestAPIBaseResponse
	// Stats the server counters
	Stats server.CounterSnapshot `json:"stats"`
}

// GetServerStats godoc
// @Summary Query the chat server counters
// @Description Query the server wide login, request, event, and confirm counters
// @tags Chat
// @Produce json
// @Param Chatmq-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespServerStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Chatmq-Request-ID "Request ID to match against logs"
// @Router /v1/chat/stats [get]
func (h APIRestChatHandler) GetServerStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespServerStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: h.core.Stats(),
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetServerStatsHandler Wrapper around GetServerStats
func (h APIRestChatHandler) GetServerStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetServerStats(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For chat REST API liveness check
// @Description Will return success to indicate chat REST API module is live
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestChatHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestChatHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For chat REST API readiness check
// @Description Will return success if the chat server is accepting connections
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestChatHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.core.Ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", "not accepting connections",
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestChatHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// ChatSocketHandler upgrade a websocket chat connection
func (h APIRestChatHandler) ChatSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.wsAcceptor.ServeHTTP(w, r)
	}
}

// ========================================================================================

/*
DefineChatRouter define the router serving the chat APIs

	@param pathPrefix string - end-point path prefix
	@param handler APIRestChatHandler - the chat API handler
	@return the router
*/
func DefineChatRouter(pathPrefix string, handler APIRestChatHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	clientAPIRouter := RegisterPathPrefix(mainRouter, "/v1/chat/clients", MethodHandlers{
		"get": handler.GetAllClientsHandler(),
	})
	_ = RegisterPathPrefix(clientAPIRouter, "/{userName}", MethodHandlers{
		"delete": handler.DisconnectClientHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/chat/stats", MethodHandlers{
		"get": handler.GetServerStatsHandler(),
	})
	if handler.wsAcceptor != nil {
		_ = RegisterPathPrefix(mainRouter, "/v1/chat/ws", MethodHandlers{
			"get": handler.ChatSocketHandler(),
		})
	}

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	// Request ID and request logging
	router.Use(func(next http.Handler) http.Handler {
		return handler.LoggingMiddleware(next.ServeHTTP)
	})
	return router
}
