package directory

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/pkg/errors"
)

// Lookup returns the directory serving a request.
type Lookup func(r *http.Request) (*Service, error)

const roomPath = "/_matrix/client/v3/directory/list/room/{roomID}"

type publicRoomsResponse struct {
	Chunk    []publicRoom `json:"chunk"`
	Estimate int          `json:"total_room_count_estimate"`
}

type publicRoom struct {
	RoomID string `json:"room_id"`
}

type visibilityBody struct {
	Visibility Visibility `json:"visibility"`
}

// Routes mounts the public directory endpoints.
func Routes(r chi.Router, lookup Lookup) {
	r.Get("/_matrix/client/v3/publicRooms", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		rooms, err := s.PublicRooms(r.Context())
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		resp := publicRoomsResponse{Chunk: make([]publicRoom, 0, len(rooms)), Estimate: len(rooms)}
		for _, id := range rooms {
			resp.Chunk = append(resp.Chunk, publicRoom{RoomID: id})
		}
		writeJSON(w, resp)
	})

	r.Get(roomPath, func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		v, err := s.Visibility(r.Context(), roomID(r))
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		writeJSON(w, visibilityBody{Visibility: v})
	})
}

// AdminRoutes mounts the endpoints that change the directory. The caller
// is responsible for authenticating them.
func AdminRoutes(r chi.Router, lookup Lookup) {
	r.Put(roomPath, func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		var body visibilityBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrBadRequest, "Invalid request body", err))
			return
		}
		if err := s.SetVisibility(r.Context(), roomID(r), body.Visibility); err != nil {
			errors.WriteJSON(w, err)
			return
		}
		writeJSON(w, struct{}{})
	})
}

func roomID(r *http.Request) string {
	raw := chi.URLParam(r, "roomID")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
