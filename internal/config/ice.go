package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoICEURLs          = errors.New("ice server has no urls")
	ErrICEScheme          = errors.New("unsupported ice url scheme")
	ErrTURNNeedsUserCreds = errors.New("turn urls need a username and a credential")
)

// urlList accepts the RTCIceServer "urls" member in either form, a single
// string or an array, and keeps only the non-blank entries.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var raw []string
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		raw = []string{one}
	} else if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*l = compact(raw)
	return nil
}

// ParseICEServersJSON reads an RTCIceServer[] document, e.g.
// [{"urls":"stun:stun.l.google.com:19302"}].
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ice servers json: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s, err := newICEServer(e.URLs, e.Username, e.Credential)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// ParseICEServerURLs turns the comma separated --stun and --turn flags into
// at most two servers; the TURN credentials apply to every TURN url.
func ParseICEServerURLs(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	groups := []struct {
		name, urls, user, cred string
	}{
		{"stun", stunURLs, "", ""},
		{"turn", turnURLs, turnUsername, turnCredential},
	}

	var servers []webrtc.ICEServer
	for _, g := range groups {
		urls := compact(strings.FieldsFunc(g.urls, func(r rune) bool { return r == ',' }))
		if len(urls) == 0 {
			continue
		}
		s, err := newICEServer(urls, g.user, g.cred)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.name, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// newICEServer is the single place an ICE server is built and checked.
func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if len(urls) == 0 {
		return s, ErrNoICEURLs
	}

	turn := false
	for _, u := range urls {
		scheme, _, _ := strings.Cut(u, ":")
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return s, fmt.Errorf("%w: %q", ErrICEScheme, u)
		}
	}

	if credential = strings.TrimSpace(credential); credential != "" {
		s.Credential = credential
	}
	if turn && (s.Username == "" || credential == "") {
		return s, ErrTURNNeedsUserCreds
	}
	return s, nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
