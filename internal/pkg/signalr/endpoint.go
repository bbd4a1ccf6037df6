package signalr

import (
	"net/url"
	"strings"
)

// DefaultHubPath is the Net2 local event hub
const DefaultHubPath = "/eventHubLocal"

// Endpoint locates the event hub.  Scheme and Host come from the server
// root; the REST path prefix plays no part.
type Endpoint struct {
	Scheme  string
	Host    string
	HubPath string
}

func NewEndpoint(root *url.URL, hubPath string) Endpoint {
	if hubPath == "" {
		hubPath = DefaultHubPath
	}
	if !strings.HasPrefix(hubPath, "/") {
		hubPath = "/" + hubPath
	}

	return Endpoint{
		Scheme:  root.Scheme,
		Host:    root.Host,
		HubPath: hubPath,
	}
}

// HubName is the hub as named in classic connection data
func (e Endpoint) HubName() string {
	return strings.TrimPrefix(e.HubPath, "/")
}

func (e Endpoint) httpURL(pathAndQuery string) string {
	return e.Scheme + "://" + e.Host + pathAndQuery
}

func (e Endpoint) socketScheme() string {
	return socketScheme(e.Scheme)
}

func socketScheme(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "ws"
	default:
		return "wss"
	}
}
