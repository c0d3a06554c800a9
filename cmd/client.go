package cmd

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/chatmq/client"
	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// quitCommand input line which ends the session
const quitCommand = "/quit"

// logoutWait max duration to wait for the logout response
const logoutWait = time.Second * 10

// RunChatClient run an interactive chat session. Every input line is sent as a chat
// message, until "/quit", end of input, or the runtime context ends.
func RunChatClient(
	runtimeContext context.Context,
	config *common.ChatClientConfig,
	userName string,
	input io.Reader,
	output io.Writer,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "chat-client",
		"instance":  userName,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid chat client config")
		return err
	}

	conn, err := transport.Dial(
		config.ServerURI, time.Second*time.Duration(config.ConnectTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", config.ServerURI)
		return err
	}

	ui := client.NewConsoleUI(output)
	session, err := client.GetChatClient(client.ChatClientParams{
		Conn:           conn,
		UI:             ui,
		ConfirmEvents:  config.Variant == "advanced",
		ReceiveTimeout: time.Second * time.Duration(config.ReceiveTimeout),
	}, runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define chat client")
		_ = conn.Close()
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Error closing connection")
		}
	}()

	if err := session.Login(userName); err != nil {
		log.WithError(err).WithFields(logTags).Error("Login failed")
		return err
	}
	if err := ui.WaitLogin(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Login did not complete")
		return err
	}

	// Input lines
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runtimeContext.Done():
				return
			}
		}
	}()

	// The server takes one request at a time, so the logout waits for the last chat
	// message response
	logout := func() error {
		ctxt, cancel := context.WithTimeout(runtimeContext, logoutWait)
		defer cancel()
		if err := ui.WaitUnlocked(ctxt); err != nil {
			return err
		}
		if err := session.Logout(); err != nil {
			return err
		}
		return ui.WaitLogout(ctxt)
	}

	for {
		select {
		case <-runtimeContext.Done():
			return nil
		case <-ui.LoggedOut():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == quitCommand {
				return logout()
			}
			if len(strings.TrimSpace(line)) == 0 {
				continue
			}
			if err := ui.WaitUnlocked(runtimeContext); err != nil {
				log.WithError(err).WithFields(logTags).Error("Session ended")
				return nil
			}
			if err := session.SendChatMessage(line); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to send chat message")
				return err
			}
		}
	}
}
