package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
	"github.com/jake-scott/net2-doors/internal/pkg/net2auth"
)

const defaultAPITimeout = time.Second * 15

var net2RequiredFlags = []string{"net2.host", "net2.username", "net2.password", "net2.client-id"}

type net2Clients struct {
	baseURL string
	verify  bool
	session *net2auth.Manager
	api     *net2api.Live
}

// newNet2Clients builds the session manager and REST client from config.
// Nothing is sent to the server yet.
func newNet2Clients(ctx context.Context) net2Clients {
	baseURL := net2api.BaseURL(viper.GetString("net2.host"), viper.GetInt("net2.port"))
	verify := viper.GetBool("net2.tls-verify")
	transport := net2api.HTTPTransport(verify)

	session := net2auth.NewManager(net2api.TokenURL(baseURL), net2auth.Credentials{
		Username: viper.GetString("net2.username"),
		Password: viper.GetString("net2.password"),
		ClientID: viper.GetString("net2.client-id"),
	}).WithHTTPClient(&http.Client{Transport: transport, Timeout: apiTimeout()})

	return net2Clients{
		baseURL: baseURL,
		verify:  verify,
		session: session,
		api:     net2api.NewLiveClient(baseURL, session.TokenSource(ctx), transport),
	}
}

func apiTimeout() time.Duration {
	if d := viper.GetDuration("net2.api-timeout"); d > 0 {
		return d
	}
	return defaultAPITimeout
}

// login authenticates for one-shot CLI commands and returns a client bound
// to ctx
func (c net2Clients) login(ctx context.Context) (net2api.Net2, error) {
	if err := c.session.Authenticate(ctx); err != nil {
		return nil, err
	}

	return c.api.WithContext(ctx).WithTimeout(apiTimeout()), nil
}
