package negotiate_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/media"
	"github.com/natarajanspnk/studio-signaling/internal/negotiate"
	"github.com/natarajanspnk/studio-signaling/internal/store/memstore"
)

// TestEngines_ConnectOverVirtualNetwork runs both sides on a pion vnet, so
// the ICE exchange crosses a controlled router instead of the host's real
// interfaces.
func TestEngines_ConnectOverVirtualNetwork(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := newVNetAPI(netA)
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	ctx := context.Background()
	st := memstore.New(memstore.Options{})
	t.Cleanup(st.Close)

	newEngine := func(api *webrtc.API) (*negotiate.Engine, chan negotiate.State) {
		states := make(chan negotiate.State, 16)
		eng := negotiate.New(negotiate.Config{
			Store:         st,
			API:           api,
			ICEServers:    []webrtc.ICEServer{},
			Logger:        zerolog.Nop(),
			OnStateChange: func(s negotiate.State) { states <- s },
		})
		t.Cleanup(eng.Teardown)
		return eng, states
	}

	engineA, statesA := newEngine(apiA)
	engineB, statesB := newEngine(apiB)

	medA, err := media.SilentAudio("a")
	if err != nil {
		t.Fatalf("SilentAudio: %v", err)
	}
	if err := engineA.BeginAsInitiator(ctx, "vnet-1", medA); err != nil {
		t.Fatalf("BeginAsInitiator: %v", err)
	}

	medB, err := media.SilentAudio("b")
	if err != nil {
		t.Fatalf("SilentAudio: %v", err)
	}
	if err := engineB.BeginAsResponder(ctx, "vnet-1", medB); err != nil {
		t.Fatalf("BeginAsResponder: %v", err)
	}

	waitForState(t, statesA, negotiate.StateConnected)
	waitForState(t, statesB, negotiate.StateConnected)
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func waitForState(t *testing.T, ch <-chan negotiate.State, want negotiate.State) {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
			if s == negotiate.StateFailed {
				t.Fatalf("reached %v while waiting for %v", s, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}
