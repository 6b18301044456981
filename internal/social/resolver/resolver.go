// Package resolver turns a server name into the address its federation API
// is reached at, following the well-known delegation and SRV rules, and
// caches the result.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/cmatc13/homeserver/internal/social/client"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/service"
)

// DefaultPort is the federation port used when nothing else names one.
const DefaultPort = 8448

const maxWellKnownBody = 64 << 10

// Destination is a resolved federation endpoint.
type Destination struct {
	// Host is the host name or IP literal to connect to.
	Host string
	Port int
	// HostHeader is the name requests must carry in their Host header and
	// the name TLS certificates are checked against.
	HostHeader string
}

// Addr returns host:port.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string { return d.Addr() }

type srvLookup func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

// Service resolves destinations.
type Service struct {
	service.Basic

	client service.Dep[client.Service]
	cache  *ristretto.Cache[string, Destination]
	ttl    time.Duration
	logger *logging.Logger

	scheme    string
	wellKnown func(ctx context.Context, host string) (string, error)
	lookupSRV srvLookup
}

// Build creates the resolver. It depends on client.
func Build(args service.Args) (*Service, error) {
	c, err := service.Depend[client.Service](args, "client")
	if err != nil {
		return nil, err
	}

	cfg := args.Server.Config.Resolver
	size := max(cfg.CacheSize, 1)
	cache, err := ristretto.NewCache(&ristretto.Config[string, Destination]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.ServiceWrap(err, errors.OpBuild, errors.ServiceErrBuild, "resolver cache")
	}

	s := &Service{
		client:    c,
		cache:     cache,
		ttl:       cfg.CacheTTL,
		scheme:    "https",
		lookupSRV: net.DefaultResolver.LookupSRV,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())
	s.wellKnown = s.fetchWellKnown
	return s, nil
}

// Worker releases the cache once the service is interrupted.
func (s *Service) Worker(context.Context) error {
	<-s.Interrupted()
	s.cache.Close()
	return nil
}

// ClearCache forgets every resolved destination.
func (s *Service) ClearCache(context.Context) {
	s.cache.Clear()
}

// MemoryUsage reports cache effectiveness.
func (s *Service) MemoryUsage(w io.Writer) error {
	m := s.cache.Metrics
	_, err := fmt.Fprintf(w, "cache_hits: %d\ncache_misses: %d\n", m.Hits(), m.Misses())
	return err
}

// Resolve returns the destination for serverName.
func (s *Service) Resolve(ctx context.Context, serverName string) (Destination, error) {
	if d, ok := s.cache.Get(serverName); ok {
		return d, nil
	}

	d, err := s.resolve(ctx, serverName)
	if err != nil {
		return Destination{}, err
	}

	if s.cache.SetWithTTL(serverName, d, 1, s.ttl) {
		s.cache.Wait()
	}
	s.logger.Debug("Resolved destination", "server_name", serverName, "destination", d.Addr())
	return d, nil
}

func (s *Service) resolve(ctx context.Context, name string) (Destination, error) {
	host, port, err := splitServerName(name)
	if err != nil {
		return Destination{}, err
	}

	if net.ParseIP(host) != nil {
		return Destination{Host: host, Port: orDefault(port), HostHeader: name}, nil
	}
	if port != 0 {
		return Destination{Host: host, Port: port, HostHeader: name}, nil
	}

	if delegated, err := s.wellKnown(ctx, host); err != nil {
		s.logger.Debug("No well-known delegation", "server_name", name, "error", err)
	} else if d, ok := s.delegate(ctx, delegated); ok {
		return d, nil
	}

	if d, ok := s.srv(ctx, host); ok {
		d.HostHeader = name
		return d, nil
	}
	return Destination{Host: host, Port: DefaultPort, HostHeader: name}, nil
}

// delegate resolves the target of a well-known delegation.
func (s *Service) delegate(ctx context.Context, delegated string) (Destination, bool) {
	host, port, err := splitServerName(delegated)
	if err != nil {
		s.logger.Warn("Ignoring invalid well-known delegation", "delegated", delegated)
		return Destination{}, false
	}

	if net.ParseIP(host) != nil || port != 0 {
		return Destination{Host: host, Port: orDefault(port), HostHeader: delegated}, true
	}
	if d, ok := s.srv(ctx, host); ok {
		d.HostHeader = delegated
		return d, true
	}
	return Destination{Host: host, Port: DefaultPort, HostHeader: delegated}, true
}

// srv looks up the federation SRV record, then the deprecated one.
func (s *Service) srv(ctx context.Context, host string) (Destination, bool) {
	for _, name := range []string{"matrix-fed", "matrix"} {
		_, addrs, err := s.lookupSRV(ctx, name, "tcp", host)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return Destination{Host: strings.TrimSuffix(addrs[0].Target, "."), Port: int(addrs[0].Port)}, true
	}
	return Destination{}, false
}

type wellKnownServer struct {
	Server string `json:"m.server"`
}

func (s *Service) fetchWellKnown(ctx context.Context, host string) (string, error) {
	url := s.scheme + "://" + host + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Get().WellKnown.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("well-known returned %d", resp.StatusCode)
	}

	var body wellKnownServer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWellKnownBody)).Decode(&body); err != nil {
		return "", err
	}
	if body.Server == "" {
		return "", errors.New("well-known has no m.server")
	}
	return body.Server, nil
}

// splitServerName splits an optional port off a server name. The port is
// zero when absent.
func splitServerName(name string) (string, int, error) {
	invalid := errors.APIErrorf(errors.APIErrInvalidParam, "invalid server name %q", name)
	if name == "" || strings.ContainsAny(name, "/ ") {
		return "", 0, invalid
	}

	host, p, err := net.SplitHostPort(name)
	if err != nil {
		// No port, or a bare IPv6 literal.
		return strings.TrimSuffix(strings.TrimPrefix(name, "["), "]"), 0, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", 0, invalid
	}
	return host, port, nil
}

func orDefault(port int) int {
	if port == 0 {
		return DefaultPort
	}
	return port
}
