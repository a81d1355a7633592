// The studio-call binary is a headless call participant: it joins a session
// through a store server, negotiates a peer connection, and logs state and
// presence transitions. Useful for smoke-testing a deployment and as the
// second participant when testing a UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/natarajanspnk/studio-signaling/internal/call"
	"github.com/natarajanspnk/studio-signaling/internal/config"
	"github.com/natarajanspnk/studio-signaling/internal/media"
	"github.com/natarajanspnk/studio-signaling/internal/negotiate"
	"github.com/natarajanspnk/studio-signaling/internal/session"
	"github.com/natarajanspnk/studio-signaling/internal/store/wsstore"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	sessionID := flag.String("session", "", "session id to join")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		os.Exit(2)
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	iceServers, err := cfg.ICE.Servers()
	if err != nil {
		logger.Error().Err(err).Msg("invalid ice configuration")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := wsstore.Dial(ctx, cfg.SyncURL, wsstore.Options{
		APIKey: cfg.APIKey,
		Logger: logger,
	})
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.SyncURL).Msg("store dial failed")
		os.Exit(1)
	}
	defer st.Close()

	// A headless participant still offers a track so the remote side has
	// audio to latch onto.
	med, err := media.SilentAudio("studio-call")
	if err != nil {
		logger.Error().Err(err).Msg("media setup failed")
		os.Exit(1)
	}

	terminal := make(chan negotiate.State, 1)
	controller := call.NewController(call.Config{
		Store:            st,
		DisplayName:      cfg.DisplayName,
		ICEServers:       iceServers,
		NegotiateTimeout: cfg.NegotiateTimeout,
		Logger:           logger,
		OnStateChange: func(s negotiate.State) {
			logger.Info().Stringer("state", s).Msg("negotiation state")
			if s == negotiate.StateFailed || s == negotiate.StateClosed {
				select {
				case terminal <- s:
				default:
				}
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info().
				Str("kind", track.Kind().String()).
				Str("stream", track.StreamID()).
				Msg("remote track")
		},
		OnPresenceChange: func(role session.Role, present bool) {
			logger.Info().
				Str("role", string(role)).
				Bool("present", present).
				Msg("presence")
		},
	})

	joined, err := controller.Join(ctx, *sessionID, med)
	if err != nil {
		logger.Error().Err(err).Str("session", *sessionID).Msg("join failed")
		os.Exit(1)
	}
	logger.Info().
		Str("session", joined.SessionID()).
		Str("role", string(joined.Role())).
		Msg("joined")

	select {
	case <-ctx.Done():
		logger.Info().Msg("leaving")
	case s := <-terminal:
		if s == negotiate.StateFailed {
			logger.Error().Err(joined.Err()).Msg("negotiation failed")
			joined.Leave()
			os.Exit(1)
		}
	}
	joined.Leave()
}
