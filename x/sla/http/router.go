package http

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterMux binds gorilla/mux routes. Event routes are bound only with an event source,
// the faucet only when enabled.
func (h *Handler) RegisterMux(r *mux.Router) {
	r.HandleFunc(routeRegistry, h.handleRegistry).Methods(http.MethodGet).Name(routeNameRegistry)

	r.HandleFunc(routeSLAs, h.handleCreate).Methods(http.MethodPost).Name(routeNameCreate)
	r.HandleFunc(routeSLAs, h.handleList).Methods(http.MethodGet).Name(routeNameList)
	r.HandleFunc(routeSLA, h.handleGet).Methods(http.MethodGet).Name(routeNameGet)
	r.HandleFunc(routeBids, h.handleSubmitBid).Methods(http.MethodPost).Name(routeNameSubmitBid)
	r.HandleFunc(routeBid, h.handleGetBid).Methods(http.MethodGet).Name(routeNameGetBid)
	r.HandleFunc(routeWorker, h.handleSelectWorker).Methods(http.MethodPost).Name(routeNameSelectWorker)
	r.HandleFunc(routeVerifiers, h.handleStake).Methods(http.MethodPost).Name(routeNameStake)
	r.HandleFunc(routeVerifications, h.handleVerify).Methods(http.MethodPost).Name(routeNameVerify)

	if h.events != nil {
		r.HandleFunc(routeSLAEvents, h.handleSLAEvents).Methods(http.MethodGet).Name(routeNameSLAEvents)
		r.HandleFunc(routeEvents, h.handleEvents).Methods(http.MethodGet).Name(routeNameEvents)
	}

	// approve and faucet are literal paths; register them before the {address} pattern
	r.HandleFunc(routeApprove, h.handleApprove).Methods(http.MethodPost).Name(routeNameApprove)
	if h.faucet {
		r.HandleFunc(routeFaucet, h.handleFaucet).Methods(http.MethodPost).Name(routeNameFaucet)
	}
	r.HandleFunc(routeAccount, h.handleAccount).Methods(http.MethodGet).Name(routeNameAccount)
}
