package app

import (
	"net/url"
)

// RelayURL builds the websocket endpoint of a relay listening on host.
func RelayURL(host string, secure bool) string {
	u := url.URL{
		Scheme: "ws",
		Host:   host,
		Path:   "/ws",
	}
	if secure {
		u.Scheme = "wss"
	}
	return u.String()
}
