package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterMux binds the Front Service's routes onto r.
func (h *ProofHandler) RegisterMux(r *mux.Router) {
	r.HandleFunc(routeGenerateProof, h.handleGenerateProof).Methods(http.MethodPost).Name(routeNameGenerateProof)
	r.HandleFunc(routeGetStatus, h.handleGetStatus).Methods(http.MethodGet).Name(routeNameGetStatus)
}
