// Package directory maintains the public room directory.
package directory

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Visibility of a room in the directory.
type Visibility string

// Room visibilities.
const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Service stores the set of public room IDs.
type Service struct {
	service.Basic
	publicroomids *database.Map
}

// Build creates the directory service.
func Build(args service.Args) (*Service, error) {
	s := &Service{publicroomids: args.DB.Map("publicroomids")}
	s.Basic = service.NewBasic(service.MakeName(s))
	return s, nil
}

// SetPublic publishes roomID.
func (s *Service) SetPublic(ctx context.Context, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	return s.publicroomids.Put(ctx, roomID, nil)
}

// SetNotPublic removes roomID from the directory.
func (s *Service) SetNotPublic(ctx context.Context, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	return s.publicroomids.Delete(ctx, roomID)
}

// SetVisibility publishes or unpublishes roomID.
func (s *Service) SetVisibility(ctx context.Context, roomID string, v Visibility) error {
	switch v {
	case Public:
		return s.SetPublic(ctx, roomID)
	case Private:
		return s.SetNotPublic(ctx, roomID)
	default:
		return errors.APIErrorf(errors.APIErrInvalidParam, "unknown visibility %q", v)
	}
}

// PublicRooms lists the published rooms in key order.
func (s *Service) PublicRooms(ctx context.Context) ([]string, error) {
	return s.publicroomids.Keys(ctx)
}

// Visibility returns whether roomID is published.
func (s *Service) Visibility(ctx context.Context, roomID string) (Visibility, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return "", err
	}
	_, err := s.publicroomids.Get(ctx, roomID)
	switch {
	case err == nil:
		return Public, nil
	case database.IsNotFound(err):
		return Private, nil
	default:
		return "", err
	}
}

// IsPublicRoom reports whether roomID is published. Lookup failures count
// as not public.
func (s *Service) IsPublicRoom(ctx context.Context, roomID string) bool {
	v, err := s.Visibility(ctx, roomID)
	return err == nil && v == Public
}

// MemoryUsage reports the directory size.
func (s *Service) MemoryUsage(w io.Writer) error {
	rooms, err := s.PublicRooms(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "public_rooms: %d\n", len(rooms))
	return err
}

// ValidateRoomID checks the !opaque:server shape of a room ID.
func ValidateRoomID(roomID string) error {
	local, server, ok := strings.Cut(strings.TrimPrefix(roomID, "!"), ":")
	if !strings.HasPrefix(roomID, "!") || !ok || local == "" || server == "" {
		return errors.APIErrorf(errors.APIErrInvalidParam, "invalid room ID %q", roomID)
	}
	return nil
}
