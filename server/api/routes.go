package api

// Route patterns for the Front Service's two operations (spec.md §4.1).
const (
	routeGenerateProof = "/v1/generate_proof"
	routeGetStatus     = "/v1/status/{proof_id}"
)

// Route names for mux URL building.
const (
	routeNameGenerateProof = "generate_proof"
	routeNameGetStatus     = "get_status"
)
