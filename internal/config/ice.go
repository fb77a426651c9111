package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CHATTERBOX_ICE_SERVERS_JSON"

	envStunURLs       = "CHATTERBOX_STUN_URLS"
	envTurnURLs       = "CHATTERBOX_TURN_URLS"
	envTurnUsername   = "CHATTERBOX_TURN_USERNAME"
	envTurnCredential = "CHATTERBOX_TURN_CREDENTIAL"
)

// iceSource holds the raw ICE settings. JSON wins over the convenience
// variables when both are present.
type iceSource struct {
	JSON           string
	StunURLs       string
	TurnURLs       string
	TurnUsername   string
	TurnCredential string

	// TURNREST means credentials are minted per /webrtc/ice request, so TURN
	// entries may omit static ones.
	TURNREST bool
}

func (src iceSource) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		out, err := parseICEServersJSON(raw, src.TURNREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return out, nil
	}

	var out []webrtc.ICEServer
	if urls := splitList(src.StunURLs); len(urls) > 0 {
		s := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(s, src.TURNREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, s)
	}
	if urls := splitList(src.TurnURLs); len(urls) > 0 {
		user := strings.TrimSpace(src.TurnUsername)
		cred := strings.TrimSpace(src.TurnCredential)
		if !src.TURNREST && (user == "" || cred == "") {
			return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		s := webrtc.ICEServer{URLs: urls, Username: user}
		if cred != "" {
			s.Credential = cred
		}
		if err := checkICEServer(s, src.TURNREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// urlList accepts the RTCIceServer "urls" member in either of its forms.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New(`"urls" must be a string or an array of strings`)
	}
	*l = many
	return nil
}

type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

func parseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s := webrtc.ICEServer{
			URLs:     splitList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if c := strings.TrimSpace(e.Credential); c != "" {
			s.Credential = c
		}
		if err := checkICEServer(s, turnREST); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// checkICEServer parses every URL the way the browser's ICE agent will and
// requires static credentials on TURN entries unless TURN REST supplies them.
func checkICEServer(s webrtc.ICEServer, turnREST bool) error {
	if len(s.URLs) == 0 {
		return errors.New("no urls")
	}
	turn := false
	for _, raw := range s.URLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
	}
	if !turn || turnREST {
		return nil
	}
	if s.Username == "" {
		return errors.New("turn urls require a username")
	}
	if c, _ := s.Credential.(string); c == "" {
		return errors.New("turn urls require a credential")
	}
	return nil
}
