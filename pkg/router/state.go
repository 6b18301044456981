// pkg/router/state.go
package router

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/service"
)

// State gives request handlers access to the running bundle. It stops
// handing the bundle out once its Guard is released.
type State struct {
	bundle atomic.Pointer[service.Bundle]
}

func newState(b service.Bundle) *State {
	s := &State{}
	s.bundle.Store(&b)
	return s
}

// Bundle returns the bundle while the guard is held.
func (s *State) Bundle() (service.Bundle, bool) {
	p := s.bundle.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Guard pins the state to the bundle's lifetime. Release it only after the
// listener serving the router has fully drained.
type Guard struct {
	state *State
	once  sync.Once
}

// Release drops the state's reference to the bundle. Later requests get
// 503 M_UNAVAILABLE.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.state.bundle.Store(nil)
	})
}

type stateKey struct{}

// middleware rejects requests once the guard is released and stores the
// state in the request context otherwise.
func (s *State) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.Bundle(); !ok {
			errors.WriteJSON(w, errUnavailable)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), stateKey{}, s)))
	})
}

var errUnavailable = errors.NewAPIError(errors.APIErrUnavailable, "Services are shutting down", nil)

// FromRequest returns the bundle serving r.
func FromRequest(r *http.Request) (service.Bundle, error) {
	s, ok := r.Context().Value(stateKey{}).(*State)
	if !ok {
		return nil, errUnavailable
	}
	b, ok := s.Bundle()
	if !ok {
		return nil, errUnavailable
	}
	return b, nil
}

// Services returns the bundle of type T serving r, searching composed
// groups.
func Services[T any](r *http.Request) (T, error) {
	var zero T
	b, err := FromRequest(r)
	if err != nil {
		return zero, err
	}
	t, ok := service.Find[T](b)
	if !ok {
		return zero, errors.APIErrorf(errors.APIErrInternalServer, "no %T bundle is running", zero)
	}
	return t, nil
}
