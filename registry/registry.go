package registry

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	defaultAuthURL = "https://auth.docker.io/token"
	defaultService = "registry.docker.io"
)

// Registry is one registry endpoint plus the HTTP client used to talk to it.
type Registry struct {
	Scheme  string
	Host    string
	AuthURL string
	Service string
	// Client never follows redirects so the blob location header stays visible.
	Client *http.Client
}

// NewRegistry returns a Registry for host with Docker Hub token defaults.
// An empty host selects Docker Hub.
func NewRegistry(host string) *Registry {
	if host == "" {
		host = DefaultRegistry
	}
	return &Registry{
		Scheme:  "https",
		Host:    host,
		AuthURL: defaultAuthURL,
		Service: defaultService,
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: time.Second * 15,
		},
	}
}
