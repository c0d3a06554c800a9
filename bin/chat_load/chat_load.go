package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/alwitt/chatmq/client"
	"github.com/alwitt/chatmq/transport"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ServerURI  string `validate:"required,uri"`
	Variant    string `validate:"required,oneof=advanced simple"`
	Threads    int    `validate:"gte=1"`
	Iterations int    `validate:"gte=1"`
}

var args cmdArgs

// threadResult measurements of one test client
type threadResult struct {
	roundTrips  []time.Duration
	serverTimes []time.Duration
	failed      bool
}

func main() {
	app := &cli.App{
		Usage: "chat server load generator",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "server-uri",
				Usage:       "Chat server URI",
				EnvVars:     []string{"CHAT_SERVER_URI"},
				Aliases:     []string{"s"},
				Value:       "tcp://127.0.0.1:6001",
				DefaultText: "tcp://127.0.0.1:6001",
				Destination: &args.ServerURI,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "variant",
				Usage:       "Protocol variant of the chat server: [advanced simple]",
				EnvVars:     []string{"CHAT_PROTOCOL_VARIANT"},
				Aliases:     []string{"v"},
				Value:       "advanced",
				DefaultText: "advanced",
				Destination: &args.Variant,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "threads",
				Usage:       "Number of test clients",
				EnvVars:     []string{"TEST_THREADS"},
				Aliases:     []string{"t"},
				Value:       2,
				DefaultText: "2",
				Destination: &args.Threads,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Number of chat messages each client sends",
				EnvVars:     []string{"TEST_ITERATIONS"},
				Aliases:     []string{"c"},
				Value:       10,
				DefaultText: "10",
				Destination: &args.Iterations,
				Required:    false,
			},
		},
		Action: startLoad,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

/*
runClient login, send the chat messages one at a time, then logout

	@param index int - client index
	@param runID string - shared prefix of the user names
	@param wg *sync.WaitGroup - tracks the client listener
	@return the measurements
*/
func runClient(index int, runID string, wg *sync.WaitGroup) threadResult {
	result := threadResult{
		roundTrips:  make([]time.Duration, 0, args.Iterations),
		serverTimes: make([]time.Duration, 0, args.Iterations),
	}
	userName := fmt.Sprintf("load-%s-%d", runID, index)
	conn, err := transport.Dial(args.ServerURI, time.Second*10)
	if err != nil {
		log.WithError(err).Errorf("%s failed to connect to %s", userName, args.ServerURI)
		result.failed = true
		return result
	}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	ui := client.NewConsoleUI(io.Discard)
	session, err := client.GetChatClient(client.ChatClientParams{
		Conn: conn, UI: ui, ConfirmEvents: args.Variant == "advanced",
	}, ctxt, wg)
	if err != nil {
		log.WithError(err).Errorf("Unable to define client %s", userName)
		_ = conn.Close()
		result.failed = true
		return result
	}
	defer func() { _ = session.Close() }()

	step := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctxt, time.Second*30)
	}

	if err := session.Login(userName); err != nil {
		log.WithError(err).Errorf("%s login failed", userName)
		result.failed = true
		return result
	}
	{
		lclCtxt, lclCancel := step()
		err := ui.WaitLogin(lclCtxt)
		lclCancel()
		if err != nil {
			log.WithError(err).Errorf("%s login did not complete", userName)
			result.failed = true
			return result
		}
	}

	for itr := 0; itr < args.Iterations; itr++ {
		startTime := time.Now()
		if err := session.SendChatMessage(fmt.Sprintf("message %d from %s", itr, userName)); err != nil {
			log.WithError(err).Errorf("%s failed to send chat message", userName)
			result.failed = true
			return result
		}
		lclCtxt, lclCancel := step()
		err := ui.WaitUnlocked(lclCtxt)
		lclCancel()
		if err != nil {
			log.WithError(err).Errorf("%s chat message %d did not complete", userName, itr)
			result.failed = true
			return result
		}
		result.roundTrips = append(result.roundTrips, time.Since(startTime))
		result.serverTimes = append(result.serverTimes, ui.LastServerTime())
	}

	if err := session.Logout(); err != nil {
		log.WithError(err).Errorf("%s logout failed", userName)
		result.failed = true
		return result
	}
	lclCtxt, lclCancel := step()
	defer lclCancel()
	if err := ui.WaitLogout(lclCtxt); err != nil {
		log.WithError(err).Errorf("%s logout did not complete", userName)
		result.failed = true
	}
	return result
}

// summarize mean and max of a set of durations
func summarize(durations []time.Duration) (time.Duration, time.Duration) {
	if len(durations) == 0 {
		return 0, 0
	}
	var total, longest time.Duration
	for _, d := range durations {
		total += d
		if d > longest {
			longest = d
		}
	}
	return total / time.Duration(len(durations)), longest
}

func startLoad(c *cli.Context) error {
	// Double check the input
	{
		validate := validator.New()
		if err := validate.Struct(&args); err != nil {
			return err
		}
	}

	// Prepare the logging
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	{
		tmp, _ := json.Marshal(&args)
		log.Debugf("Starting params %s", tmp)
	}

	// Start the tests
	runID := uuid.New().String()[:8]
	results := make([]threadResult, args.Threads)
	listenerWG := sync.WaitGroup{}
	wg := sync.WaitGroup{}
	startTime := time.Now()
	wg.Add(args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		go func(index int) {
			defer wg.Done()
			results[index] = runClient(index, runID, &listenerWG)
		}(itr)
	}
	// Wait for all test threads to exit
	wg.Wait()
	listenerWG.Wait()
	totalTime := time.Since(startTime)

	roundTrips := []time.Duration{}
	serverTimes := []time.Duration{}
	failures := 0
	for _, result := range results {
		if result.failed {
			failures++
		}
		roundTrips = append(roundTrips, result.roundTrips...)
		serverTimes = append(serverTimes, result.serverTimes...)
	}
	avgRoundTrip, maxRoundTrip := summarize(roundTrips)
	avgServer, maxServer := summarize(serverTimes)
	log.Infof(
		"%d clients, %d chat messages in %s, %d clients failed",
		args.Threads, len(roundTrips), totalTime, failures,
	)
	log.Infof("Round trip AVG %s MAX %s", avgRoundTrip, maxRoundTrip)
	log.Infof("Server time AVG %s MAX %s", avgServer, maxServer)
	fmt.Printf(
		"clients=%d messages=%d failed=%d rtt_avg=%s rtt_max=%s server_avg=%s server_max=%s\n",
		args.Threads, len(roundTrips), failures, avgRoundTrip, maxRoundTrip, avgServer, maxServer,
	)
	if failures > 0 {
		return fmt.Errorf("%d of %d clients failed", failures, args.Threads)
	}
	return nil
}
