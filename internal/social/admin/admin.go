// Package admin records server notices and exposes cache maintenance to
// operators. It holds a back-reference to the bundle that owns it while
// that bundle is running.
package admin

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmatc13/homeserver/internal/social/globals"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Notice is a message from the server to its operators.
type Notice struct {
	ID     string    `json:"id"`
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	Sent   time.Time `json:"sent"`
}

// Service is the admin service.
type Service struct {
	service.Basic

	notices *database.Map
	globals service.Dep[globals.Service]
	logger  *logging.Logger

	mu       sync.RWMutex
	services service.Bundle
}

// Build creates the admin service. It depends on globals.
func Build(args service.Args) (*Service, error) {
	g, err := service.Depend[globals.Service](args, "globals")
	if err != nil {
		return nil, err
	}

	s := &Service{notices: args.DB.Map("admin_notices"), globals: g}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())
	return s, nil
}

// SetServices sets or, with nil, clears the owning bundle.
func (s *Service) SetServices(b service.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = b
}

// Services returns the owning bundle while it is running.
func (s *Service) Services() (service.Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services, s.services != nil
}

func (s *Service) bundle() (service.Bundle, error) {
	b, ok := s.Services()
	if !ok {
		return nil, errors.ServiceErrorf(errors.ServiceErrNotStarted, "admin: services are not running")
	}
	return b, nil
}

// SendMessage records a notice from the server user.
func (s *Service) SendMessage(ctx context.Context, body string) (Notice, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Notice{}, errors.APIErrorf(errors.APIErrInvalidParam, "notice body is empty")
	}

	n := Notice{
		ID:     uuid.NewString(),
		Sender: s.globals.Get().ServerUser(),
		Body:   body,
		Sent:   time.Now().UTC(),
	}
	if err := s.notices.PutJSON(ctx, n.ID, n); err != nil {
		return Notice{}, err
	}

	s.logger.Info("Server notice", "id", n.ID, "body", n.Body)
	return n, nil
}

// Notices returns every recorded notice, oldest first.
func (s *Service) Notices(ctx context.Context) ([]Notice, error) {
	ids, err := s.notices.Keys(ctx)
	if err != nil {
		return nil, err
	}

	notices := make([]Notice, 0, len(ids))
	for _, id := range ids {
		var n Notice
		if err := s.notices.GetJSON(ctx, id, &n); err != nil {
			if database.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		notices = append(notices, n)
	}
	sort.SliceStable(notices, func(i, j int) bool { return notices[i].Sent.Before(notices[j].Sent) })
	return notices, nil
}

// ClearCaches clears the cache of every service in the owning bundle.
func (s *Service) ClearCaches(ctx context.Context) error {
	b, err := s.bundle()
	if err != nil {
		return err
	}
	b.ClearCache(ctx)
	s.logger.Info("Caches cleared", "bundle", b.Name())
	return nil
}

// MemoryReport returns the owning bundle's memory usage report.
func (s *Service) MemoryReport(ctx context.Context) (string, error) {
	b, err := s.bundle()
	if err != nil {
		return "", err
	}
	return b.MemoryUsage(ctx)
}

// MemoryUsage reports the number of recorded notices.
func (s *Service) MemoryUsage(w io.Writer) error {
	ids, err := s.notices.Keys(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "notices: %d\n", len(ids))
	return err
}
