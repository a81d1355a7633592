package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICE configures the STUN/TURN servers handed to the peer connection.
//
// ServersJSON wins when set; otherwise the convenience keys build the list.
// When nothing is set, Servers returns nil and the engine falls back to its
// default STUN server.
type ICE struct {
	// ServersJSON is a JSON array in the RTCIceServer shape:
	// [{"urls":["stun:..."],"username":"...","credential":"..."}]
	ServersJSON string `mapstructure:"servers_json"`

	// StunURLs and TurnURLs are comma-separated.
	StunURLs       string `mapstructure:"stun_urls"`
	TurnURLs       string `mapstructure:"turn_urls"`
	TurnUsername   string `mapstructure:"turn_username"`
	TurnCredential string `mapstructure:"turn_credential"`
}

// Servers resolves the configured ICE server list.
func (c ICE) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(c.ServersJSON); raw != "" {
		servers, err := parseServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("ice.servers_json: %w", err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitComma(c.StunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateServer(server); err != nil {
			return nil, fmt.Errorf("ice.stun_urls: %w", err)
		}
		servers = append(servers, server)
	}
	if turn := splitComma(c.TurnURLs); len(turn) > 0 {
		user := strings.TrimSpace(c.TurnUsername)
		cred := strings.TrimSpace(c.TurnCredential)
		if user == "" || cred == "" {
			return nil, errors.New("ice.turn_urls requires ice.turn_username and ice.turn_credential")
		}
		server := webrtc.ICEServer{URLs: turn, Username: user, Credential: cred}
		if err := validateServer(server); err != nil {
			return nil, fmt.Errorf("ice.turn_urls: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrSlice `json:"urls"`
	Username   string        `json:"username,omitempty"`
	Credential string        `json:"credential,omitempty"`
}

// stringOrSlice accepts both the single-URL and URL-list spellings browsers
// allow in RTCIceServer.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func parseServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			pcServer.Credential = cred
		}
		if err := validateServer(pcServer); err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func validateServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if needsCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func splitComma(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
