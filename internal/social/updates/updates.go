// Package updates periodically fetches release announcements and relays
// new ones to the operators as server notices.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cmatc13/homeserver/internal/social/admin"
	"github.com/cmatc13/homeserver/internal/social/client"
	"github.com/cmatc13/homeserver/internal/social/globals"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

// lastCheckKey stores the highest announcement ID already relayed.
const lastCheckKey = "u"

const maxResponseBody = 1 << 20

type response struct {
	Updates []Update `json:"updates"`
}

// Update is one announcement.
type Update struct {
	ID      uint64 `json:"id"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// Service is the update checker.
type Service struct {
	service.Basic

	url      string
	interval time.Duration
	global   *database.Map
	server   *server.Server
	logger   *logging.Logger

	admin   service.Dep[admin.Service]
	client  service.Dep[client.Service]
	globals service.Dep[globals.Service]
}

// Build creates the update checker. It depends on globals, admin and
// client.
func Build(args service.Args) (*Service, error) {
	g, err := service.Depend[globals.Service](args, "globals")
	if err != nil {
		return nil, err
	}
	a, err := service.Depend[admin.Service](args, "admin")
	if err != nil {
		return nil, err
	}
	c, err := service.Depend[client.Service](args, "client")
	if err != nil {
		return nil, err
	}

	cfg := args.Server.Config.Updates
	s := &Service{
		url:      cfg.URL,
		interval: cfg.Interval,
		global:   args.DB.Map("global"),
		server:   args.Server,
		admin:    a,
		client:   c,
		globals:  g,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())
	return s, nil
}

// Worker checks for updates every interval, starting one interval after
// launch. A disabled checker only waits for interruption.
func (s *Service) Worker(ctx context.Context) error {
	if !s.globals.Get().AllowCheckForUpdates() {
		s.logger.Debug("Disabling update check")
		<-s.Interrupted()
		return nil
	}

	ctx, cancel := s.InterruptContext(ctx)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Interrupted():
			return nil
		case <-ticker.C:
		}

		if !s.server.Running() {
			continue
		}
		if err := s.Check(ctx); err != nil {
			s.logger.Warn("Failed to check for updates", "error", err)
		}
	}
}

// Check fetches the announcements and relays the ones newer than the last
// relayed ID.
func (s *Service) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Get().Default.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("update server returned %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&body); err != nil {
		return errors.Wrap(err, "decoding updates")
	}

	for _, u := range body.Updates {
		last, err := s.LastCheckID(ctx)
		if err != nil {
			return err
		}
		if u.ID <= last {
			continue
		}
		s.handle(ctx, u)
		if err := s.global.PutJSON(ctx, lastCheckKey, u.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handle(ctx context.Context, u Update) {
	s.logger.Info(fmt.Sprintf("%s %s", u.Date, u.Message), "update", u.ID)
	msg := fmt.Sprintf("### the following is a release announcement\n\nit was sent on `%s`:\n\n@room: %s", u.Date, u.Message)
	if _, err := s.admin.Get().SendMessage(ctx, msg); err != nil {
		s.logger.Warn("Relaying update failed", "update", u.ID, "error", err)
	}
}

// LastCheckID returns the highest relayed announcement ID, zero if none.
func (s *Service) LastCheckID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.global.GetJSON(ctx, lastCheckKey, &id)
	if database.IsNotFound(err) {
		return 0, nil
	}
	return id, err
}
