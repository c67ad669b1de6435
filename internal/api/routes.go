package api

import (
	"net/http"

	"confab/internal/logging"
	"confab/internal/relay"
)

// RegisterRoutes wires the REST surface and the websocket push endpoint onto
// the mux. Every REST route runs through the same middleware chain: security
// headers, JSON error envelope, then bearer-token auth.
func RegisterRoutes(mux *http.ServeMux, rly *relay.Relay, authToken string, logger *logging.Logger) {
	rest := &RestHandler{
		Relay:  rly,
		Logger: logger,
	}

	route := func(pattern string, handler apiHandler) {
		mux.Handle(pattern, loggingMiddleware(logger, restHandler(authToken, handler)))
	}

	route("/api/register", rest.handleRegister)
	route("/api/participants", rest.handleParticipants)
	route("/api/participants/", rest.handleParticipants)
	route("/api/messages", rest.handleMessages)
	route("/api/inbox/", rest.handleInbox)
	route("/api/mode", rest.handleMode)
	route("/api/turn/advance", rest.handleTurnAdvance)
	route("/api/turn/extend", rest.handleTurnExtend)
	route("/api/history", rest.handleHistory)
	route("/api/status", rest.handleStatus)

	mux.Handle("/api/ws", loggingMiddleware(logger, &StreamHandler{
		Relay:     rly,
		Logger:    logger,
		AuthToken: authToken,
	}))
}
