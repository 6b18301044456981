// Package presence tracks whether local users are online and expires
// users that have gone idle.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/internal/social/globals"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/service"
)

// State is a presence state.
type State string

// Presence states.
const (
	Online      State = "online"
	Unavailable State = "unavailable"
	Offline     State = "offline"
)

// Presence is the stored presence of one user.
type Presence struct {
	UserID     string `json:"user_id"`
	State      State  `json:"presence"`
	LastActive int64  `json:"last_active_ts"`
}

// Service is the presence service.
type Service struct {
	service.Basic

	presence *database.Map
	readOnly bool
	globals  service.Dep[globals.Service]
	idle     time.Duration
	sweep    time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// Build creates the presence service. It depends on globals.
func Build(args service.Args) (*Service, error) {
	g, err := service.Depend[globals.Service](args, "globals")
	if err != nil {
		return nil, err
	}

	cfg := args.Server.Config.Presence
	s := &Service{
		presence: args.DB.Map("presence"),
		readOnly: args.DB.IsReadOnly(),
		globals:  g,
		idle:     cfg.IdleTimeout,
		sweep:    cfg.SweepInterval,
		now:      time.Now,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())
	return s, nil
}

// Worker expires idle users every sweep interval. With local presence
// disabled or a read-only database it only waits for interruption.
func (s *Service) Worker(ctx context.Context) error {
	if !s.globals.Get().AllowLocalPresence() || s.readOnly {
		s.logger.Debug("Presence expiry disabled")
		<-s.Interrupted()
		return nil
	}

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.Interrupted():
			return nil
		case <-ticker.C:
		}

		if n, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("Presence sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("Expired idle users", "count", n)
		}
	}
}

// PingPresence records userID as being in state now.
func (s *Service) PingPresence(ctx context.Context, userID string, state State) error {
	switch state {
	case Online, Unavailable, Offline:
	default:
		return errors.APIErrorf(errors.APIErrInvalidParam, "unknown presence %q", state)
	}
	return s.presence.PutJSON(ctx, userID, Presence{
		UserID:     userID,
		State:      state,
		LastActive: s.now().UnixMilli(),
	})
}

// Get returns the stored presence of userID.
func (s *Service) Get(ctx context.Context, userID string) (Presence, error) {
	var p Presence
	err := s.presence.GetJSON(ctx, userID, &p)
	return p, err
}

// UnsetAllPresence marks every user offline, keeping their last activity.
func (s *Service) UnsetAllPresence(ctx context.Context) error {
	return s.each(ctx, func(p Presence) (Presence, bool) {
		if p.State == Offline {
			return p, false
		}
		p.State = Offline
		return p, true
	})
}

// Sweep marks online users idle for longer than the idle timeout as
// unavailable. It returns the number of users changed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.idle).UnixMilli()
	changed := 0
	err := s.each(ctx, func(p Presence) (Presence, bool) {
		if p.State != Online || p.LastActive > cutoff {
			return p, false
		}
		p.State = Unavailable
		changed++
		return p, true
	})
	return changed, err
}

// each applies fn to every stored presence, writing back the ones it
// reports as changed.
func (s *Service) each(ctx context.Context, fn func(Presence) (Presence, bool)) error {
	users, err := s.presence.Keys(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		p, err := s.Get(ctx, user)
		if database.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if p, ok := fn(p); ok {
			if err := s.presence.PutJSON(ctx, user, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemoryUsage reports the number of tracked users.
func (s *Service) MemoryUsage(w io.Writer) error {
	users, err := s.presence.Keys(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "users: %d\n", len(users))
	return err
}

// Lookup returns the presence service serving a request.
type Lookup func(r *http.Request) (*Service, error)

type statusResponse struct {
	Presence        State `json:"presence"`
	LastActiveAgo   int64 `json:"last_active_ago"`
	CurrentlyActive bool  `json:"currently_active"`
}

// Routes mounts the presence status endpoint.
func Routes(r chi.Router, lookup Lookup) {
	r.Get("/_matrix/client/v3/presence/{userID}/status", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		userID, err := url.PathUnescape(chi.URLParam(r, "userID"))
		if err != nil {
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrInvalidParam, "Invalid user ID", err))
			return
		}
		p, err := s.Get(r.Context(), userID)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Presence:        p.State,
			LastActiveAgo:   max(s.now().UnixMilli()-p.LastActive, 0),
			CurrentlyActive: p.State == Online,
		})
	})
}
