// Package federation sends requests to other servers' federation APIs.
package federation

import (
	"context"
	"io"
	"net/http"

	"github.com/cmatc13/homeserver/internal/social/client"
	"github.com/cmatc13/homeserver/internal/social/resolver"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Service builds and executes federation requests.
type Service struct {
	service.Basic

	client   service.Dep[client.Service]
	resolver service.Dep[resolver.Service]
	scheme   string
}

// Build creates the federation service. It depends on client and
// resolver.
func Build(args service.Args) (*Service, error) {
	c, err := service.Depend[client.Service](args, "client")
	if err != nil {
		return nil, err
	}
	r, err := service.Depend[resolver.Service](args, "resolver")
	if err != nil {
		return nil, err
	}

	s := &Service{client: c, resolver: r, scheme: "https"}
	s.Basic = service.NewBasic(service.MakeName(s))
	return s, nil
}

// URL returns the absolute URL of path on destination's federation API.
func (s *Service) URL(ctx context.Context, destination, path string) (string, resolver.Destination, error) {
	d, err := s.resolver.Get().Resolve(ctx, destination)
	if err != nil {
		return "", resolver.Destination{}, err
	}
	return s.scheme + "://" + d.Addr() + path, d, nil
}

// NewRequest builds a request for path on destination.
func (s *Service) NewRequest(ctx context.Context, method, destination, path string, body io.Reader) (*http.Request, error) {
	url, d, err := s.URL(ctx, destination, path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "federation request to "+destination)
	}
	req.Host = d.HostHeader
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Do executes req with the federation client. Responses outside 2xx are
// returned as errors after the body is closed.
func (s *Service) Do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Get().Federation.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "federation request to "+req.Host)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.Errorf("federation request to %s: status %d", req.Host, resp.StatusCode)
	}
	return resp, nil
}
