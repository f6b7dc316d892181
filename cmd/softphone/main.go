package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/call"
	"github.com/socialhub/realtime/pkg/callsignal"
	"github.com/socialhub/realtime/pkg/config"
	"github.com/socialhub/realtime/pkg/conversation"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/media/devices"
	"github.com/socialhub/realtime/pkg/peer"
	"github.com/socialhub/realtime/pkg/profiling"
	"github.com/socialhub/realtime/pkg/rest"
	"github.com/socialhub/realtime/pkg/signaling"
	"github.com/socialhub/realtime/pkg/telemetry"
)

type options struct {
	configFilePath string
	token          string
	userID         string
	conversationID string
	callee         string
	video          bool
	autoAnswer     bool
	send           string
	cpuProfile     string
	memProfile     string
}

// A headless client: follows a conversation and places or answers calls with
// the camera and the microphone of this machine.
func main() {
	// Parse command line flags.
	var opts options
	flag.StringVar(&opts.configFilePath, "config", "config.yaml", "configuration file path")
	flag.StringVar(&opts.token, "token", os.Getenv("ACCESS_TOKEN"), "access `token` of the user")
	flag.StringVar(&opts.userID, "user", "", "id of the user the token belongs to")
	flag.StringVar(&opts.conversationID, "conversation", "", "`id` of the conversation to follow")
	flag.StringVar(&opts.callee, "call", "", "call the `user` once connected")
	flag.BoolVar(&opts.video, "video", true, "use the camera")
	flag.BoolVar(&opts.autoAnswer, "autoAnswer", false, "accept incoming calls")
	flag.StringVar(&opts.send, "send", "", "post the `text` to the conversation once connected")
	flag.StringVar(&opts.cpuProfile, "cpuProfile", "", "write CPU profile to `file`")
	flag.StringVar(&opts.memProfile, "memProfile", "", "write memory profile to `file`")
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	if err := run(opts); err != nil {
		logrus.WithError(err).Fatal("softphone stopped")
	}
}

// Runs the client until the process is interrupted. Deferred cleanups run before it returns.
func run(opts options) error {
	config, err := config.LoadConfig(opts.configFilePath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logrus.SetLevel(config.Level())

	if err := config.ValidateClient(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	if opts.token == "" || opts.userID == "" {
		return errors.New("both -token and -user are required")
	}

	profiler, err := profiling.Start(opts.cpuProfile, opts.memProfile, logrus.WithField("component", "profiling"))
	if err != nil {
		return fmt.Errorf("could not start profiling: %w", err)
	}
	defer profiler.Stop()

	// Handle signal interruptions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(ctx, config.Telemetry)
		if err != nil {
			return fmt.Errorf("could not set up telemetry: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Warn("could not flush telemetry")
			}
		}()
	}

	logger := logrus.WithField("user_id", opts.userID)

	api, err := rest.NewClient(config.API, opts.token, logger.WithField("component", "rest"))
	if err != nil {
		return fmt.Errorf("could not create REST client: %w", err)
	}

	source, err := devices.NewSource(logger.WithField("component", "media"))
	if err != nil {
		return fmt.Errorf("could not open capture devices: %w", err)
	}

	factory, err := peer.NewPionFactory(config.Call, source)
	if err != nil {
		return fmt.Errorf("could not create peer connection factory: %w", err)
	}

	transport, err := signaling.Dial(ctx, config.Signaling, opts.token, logger.WithField("component", "signaling"))
	if err != nil {
		return fmt.Errorf("could not connect to the relay: %w", err)
	}
	defer transport.Close()

	signalingClient := callsignal.NewClient(logger.WithField("component", "callsignal"))
	signalingClient.Initialize(transport)
	defer signalingClient.Cleanup()

	iceServers := ice.NewHTTPProvider(api, config.ICE, logger.WithField("component", "ice"))
	mapper := ice.STUNMapper{Timeout: 3 * time.Second}
	diagnoser := ice.NewDiagnoser(mapper, config.ICE.STUNServers, logger.WithField("component", "diagnosis"))

	var controller *call.Controller
	controller = call.NewController(call.Options{
		UserID:    opts.userID,
		Signaling: signalingClient,
		Peer: call.PeerOptions{
			Config:    config.Call,
			Factory:   factory,
			ICE:       iceServers,
			Media:     source,
			Diagnoser: diagnoser,
		},
		Handlers: call.Handlers{
			OnIncoming: func(session call.Session) {
				caller, _ := session.Remote(opts.userID)
				logger.WithFields(logrus.Fields{
					"call_id": session.CallID,
					"caller":  caller.UserID,
					"video":   session.IsVideoCall,
				}).Info("incoming call")

				answer := controller.Reject
				if opts.autoAnswer {
					answer = controller.Accept
				}
				if err := answer(); err != nil {
					logger.WithError(err).Error("could not answer the call")
				}
			},
			OnStateChange: func(session call.Session) {
				logger.WithFields(logrus.Fields{
					"call_id": session.CallID,
					"state":   session.State,
				}).Info("call state")
			},
			OnRemoteStream: func(stream *peer.RemoteStream) {
				for _, track := range stream.Tracks() {
					logger.WithFields(logrus.Fields{
						"kind":  track.Kind(),
						"codec": track.Codec().MimeType,
					}).Info("receiving remote track")
				}
			},
			OnError: func(err error) {
				entry := logger.WithError(err)
				var peerErr *peer.Error
				if errors.As(err, &peerErr) && len(peerErr.Suggestions) > 0 {
					entry = entry.WithField("suggestions", peerErr.Suggestions)
				}
				entry.Error("call error")
			},
		},
	}, logger.WithField("component", "call"))
	defer controller.Close()

	if opts.conversationID != "" {
		messages := conversation.NewClient(conversation.Options{
			Conversation: conversation.Conversation{ID: opts.conversationID},
			UserID:       opts.userID,
			API:          conversation.NewRESTAPI(api),
			Config:       config.Messages,
			OnError: func(err error) {
				logger.WithError(err).Warn("conversation error")
			},
		}, logger.WithField("conversation_id", opts.conversationID))

		follow(ctx, messages, transport, opts.send, logger)
		defer messages.Unsubscribe()
	}

	if opts.callee != "" {
		if err := controller.StartCall(opts.conversationID, opts.callee, opts.video); err != nil {
			return fmt.Errorf("could not start the call: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// Loads the newest messages, subscribes to the conversation and posts the text, if any.
func follow(
	ctx context.Context,
	messages *conversation.Client,
	transport signaling.Transport,
	text string,
	logger *logrus.Entry,
) {
	if _, err := messages.LoadNextPage(ctx); err != nil {
		logger.WithError(err).Warn("could not load the conversation history")
	}

	for _, message := range messages.Messages() {
		logger.WithFields(logrus.Fields{
			"sender": message.Sender,
			"at":     message.CreatedAt,
		}).Info(message.Text)
	}

	messages.Subscribe(transport)

	if err := messages.MarkAsRead(ctx); err != nil {
		logger.WithError(err).Warn("could not mark the conversation as read")
	}

	if text != "" {
		if _, err := messages.Send(ctx, conversation.Draft{Text: text}); err != nil {
			logger.WithError(err).Error("could not send the message")
		}
	}
}
