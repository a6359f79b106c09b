package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// poller is implemented by adapters that queue commands for the device to fetch.
type poller interface {
	Poll(deviceID string) [][]byte
}

// HandleIngest accepts a wire message for the protocol named in the path.
func (h *APIHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, data.Protocol(chi.URLParam(r, "protocol")))
}

// IngestFor binds an ingestion endpoint to one protocol.
func (h *APIHandler) IngestFor(p data.Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ingest(w, r, p)
	}
}

// ingest hands the body to the router. Duplicates and malformed messages are acknowledged
// like new events; only overload asks the sender to retry.
func (h *APIHandler) ingest(w http.ResponseWriter, r *http.Request, p data.Protocol) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	_, err = h.Router.IngestRaw(p, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, data.ErrDuplicateEvent):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
	case errors.Is(err, data.ErrTransientOverload):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "overloaded", "error": err.Error()})
	case errors.Is(err, data.ErrUnknownProtocol):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, data.ErrMalformedMessage):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "malformed"})
	default:
		h.Logger.Error("Ingest failed", zap.String("protocol", string(p)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

// HandlePoll returns and drains the commands queued for a device on a polled transport.
func (h *APIHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	p := data.Protocol(chi.URLParam(r, "protocol"))
	a, ok := h.Router.Adapters().Get(p)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown protocol "+string(p))
		return
	}
	pl, ok := a.(poller)
	if !ok {
		writeError(w, http.StatusNotFound, string(p)+" does not queue commands")
		return
	}
	msgs := pl.Poll(chi.URLParam(r, "deviceID"))
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, json.RawMessage(m))
	}
	writeJSON(w, http.StatusOK, out)
}
