// Package client owns the outbound HTTP clients shared by the services
// that talk to other servers.
package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cmatc13/homeserver/pkg/service"
)

// Service holds one client per purpose so their timeouts and pools stay
// independent.
type Service struct {
	service.Basic

	Default    *http.Client
	Federation *http.Client
	WellKnown  *http.Client
}

// Build creates the client service.
func Build(service.Args) (*Service, error) {
	s := &Service{
		Default:    newClient(30*time.Second, 10*time.Second, 8),
		Federation: newClient(60*time.Second, 15*time.Second, 32),
		WellKnown:  newClient(10*time.Second, 5*time.Second, 4),
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	return s, nil
}

func newClient(timeout, connect time.Duration, idlePerHost int) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: idlePerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: connect,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// ClearCache drops idle pooled connections.
func (s *Service) ClearCache(context.Context) {
	s.Default.CloseIdleConnections()
	s.Federation.CloseIdleConnections()
	s.WellKnown.CloseIdleConnections()
}
