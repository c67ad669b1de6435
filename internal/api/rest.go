package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"confab/internal/logging"
	"confab/internal/relay"
	"confab/internal/wire"
)

const maxRequestBody = 1 << 20

type RestHandler struct {
	Relay  *relay.Relay
	Logger *logging.Logger
}

type statusResponse struct {
	Participants []string        `json:"participants"`
	Mode         wire.ModeStatus `json:"mode"`
	ServerTime   time.Time       `json:"server_time"`
}

type extendRequest struct {
	ID string `json:"id"`
}

type extendResponse struct {
	Extended bool `json:"extended"`
}

func (h *RestHandler) handleRegister(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var req wire.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	id, err := h.Relay.Register(req.Name)
	if err != nil {
		return relayError(err)
	}

	writeJSON(w, http.StatusCreated, wire.RegisterResponse{ID: id})
	return nil
}

func (h *RestHandler) handleParticipants(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/participants/")
	if id == "" || strings.Contains(id, "/") {
		if r.URL.Path != "/api/participants" && r.URL.Path != "/api/participants/" {
			return &apiError{Status: http.StatusNotFound, Message: "not found"}
		}
		if r.Method != http.MethodGet {
			return methodNotAllowed(w, "GET")
		}
		ids := h.Relay.Participants()
		sort.Strings(ids)
		writeJSON(w, http.StatusOK, ids)
		return nil
	}

	if r.Method != http.MethodDelete {
		return methodNotAllowed(w, "DELETE")
	}
	h.Relay.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RestHandler) handleMessages(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var req wire.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.From == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "from is required"}
	}

	msg, err := h.Relay.Route(req.From, req.To, req.Content)
	if err != nil {
		return relayError(err)
	}

	writeJSON(w, http.StatusOK, msg)
	return nil
}

func (h *RestHandler) handleInbox(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/inbox/")
	if id == "" || strings.Contains(id, "/") {
		return &apiError{Status: http.StatusBadRequest, Message: "participant id is required"}
	}

	msgs, err := h.Relay.DrainInbox(id)
	if err != nil {
		return relayError(err)
	}
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

func (h *RestHandler) handleMode(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Relay.ModeStatus())
		return nil
	case http.MethodPost:
		var req wire.ModeSetRequest
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
		status, err := h.Relay.SetMode(req.Mode, req.Topic, req.Participants, req.MaxRounds)
		if err != nil {
			return relayError(err)
		}
		writeJSON(w, http.StatusOK, status)
		return nil
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func (h *RestHandler) handleTurnAdvance(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	writeJSON(w, http.StatusOK, h.Relay.AdvanceTurn())
	return nil
}

func (h *RestHandler) handleTurnExtend(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var req extendRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, extendResponse{Extended: h.Relay.ExtendTurn(req.ID)})
	return nil
}

func (h *RestHandler) handleHistory(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	query, apiErr := parseHistoryQuery(r)
	if apiErr != nil {
		return apiErr
	}
	msgs := h.Relay.History(query)
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	ids := h.Relay.Participants()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, statusResponse{
		Participants: ids,
		Mode:         h.Relay.ModeStatus(),
		ServerTime:   time.Now().UTC(),
	})
	return nil
}

func (h *RestHandler) requireRelay() *apiError {
	if h.Relay == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "relay unavailable"}
	}
	return nil
}

func parseHistoryQuery(r *http.Request) (relay.HistoryQuery, *apiError) {
	values := r.URL.Query()
	query := relay.HistoryQuery{
		Sender: values.Get("sender"),
		To:     values.Get("to"),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return relay.HistoryQuery{}, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}
	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return relay.HistoryQuery{}, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = &since
	}
	return query, nil
}

func decodeJSON(r *http.Request, target any) *apiError {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return &apiError{Status: http.StatusBadRequest, Message: "request body is required"}
		}
		return &apiError{Status: http.StatusBadRequest, Message: "invalid JSON body"}
	}
	return nil
}

func relayError(err error) *apiError {
	var violation *relay.ProtocolViolationError
	switch {
	case errors.As(err, &violation):
		return &apiError{Status: http.StatusUnprocessableEntity, Message: violation.Error()}
	case errors.Is(err, relay.ErrUnknownParticipant), errors.Is(err, relay.ErrUnknownRecipient):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, relay.ErrClosed):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
