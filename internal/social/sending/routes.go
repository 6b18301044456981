package sending

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/pkg/errors"
)

// Lookup returns the sending service serving a request.
type Lookup func(r *http.Request) (*Service, error)

type sendResponse struct {
	TxnID string `json:"txn_id"`
}

// AdminRoutes mounts the operator endpoint that queues a raw transaction.
// The caller is responsible for authenticating it.
func AdminRoutes(r chi.Router, lookup Lookup) {
	r.Post("/_admin/send/{destination}", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrBadRequest, "Invalid request body", err))
			return
		}
		id, err := s.Send(chi.URLParam(r, "destination"), payload)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sendResponse{TxnID: id})
	})
}
