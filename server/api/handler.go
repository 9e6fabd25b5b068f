package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/signer"
	"github.com/compose-network/stage-orchestrator/x/stage/store"
)

// ProofHandler implements the Front Service: generate_proof (ingest) and
// get_status (poll), per spec.md §4.1. It is intentionally thin — it
// validates, authenticates, materializes the job directory, writes the
// initial stage_task row, and returns; all further progress is made by the
// Stage Orchestrator's background scan loop.
type ProofHandler struct {
	store    *store.Store
	artifact *artifact.Store
	cfg      stage.Config
	log      zerolog.Logger
}

// NewProofHandler constructs a ProofHandler.
func NewProofHandler(st *store.Store, art *artifact.Store, cfg stage.Config, log zerolog.Logger) *ProofHandler {
	return &ProofHandler{store: st, artifact: art, cfg: cfg, log: log.With().Str("component", "front-service").Logger()}
}

func (h *ProofHandler) handleGenerateProof(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req generateProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_json", "failed to decode request", nil)
		return
	}

	// Step 1: seg_size validation, unless precompile.
	if !req.Precompile && !stage.ValidSegSize(req.SegSize) {
		h.invalidParameter(w, req.ProofID, "seg_size out of range")
		return
	}

	// Step 2: recover signer identity over the canonical message.
	addr, err := signer.Recover(req.ProofID, req.BlockNo, req.SegSize, req.Signature)
	if err != nil {
		h.log.Warn().Err(err).Str("proof_id", req.ProofID).Msg("signature recovery failed")
		h.invalidParameter(w, req.ProofID, "invalid signature")
		return
	}

	// Step 3: whitelist lookup.
	known, err := h.store.UserExists(r.Context(), addr)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	if !known {
		h.invalidParameter(w, req.ProofID, "permission denied")
		return
	}

	// Step 4: materialize the job directory tree.
	var blocks []artifact.BlockFile
	for _, b := range req.BlockData {
		blocks = append(blocks, artifact.BlockFile{Name: b.FileName, Data: b.FileContent})
	}
	var blockNo uint64
	if req.BlockNo != nil {
		blockNo = *req.BlockNo
	}
	layout, err := h.artifact.MaterializeJob(req.ProofID, req.ElfData, blockNo, blocks,
		req.PublicInputStream, req.PrivateInputStream, encodeLengthPrefixed(req.ReceiptInput), encodeLengthPrefixed(req.Receipt))
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "materialize_failed", err.Error(), nil)
		return
	}

	// Step 5: construct and persist the Job.
	job := stage.NewJob(req.ProofID, layout.Root, layout.ElfPath, layout.SegPath, layout.ProvePath, layout.AggPath,
		layout.FinalPath, layout.PublicInputPath, layout.PrivateInputPath, layout.OutputStreamPath, "",
		blockNo, req.SegSize, req.ExecuteOnly, req.Precompile, layout.ReceiptInputsPath, layout.ReceiptsPath, addr)
	if err := h.store.InsertJob(r.Context(), job); err != nil {
		WriteError(w, r, http.StatusInternalServerError, "insert_failed", err.Error(), nil)
		return
	}

	// Step 6: template artifact URLs and respond Computing.
	proofURL, starkURL, publicValuesURL := h.artifactURLs(job)
	WriteJSON(w, http.StatusOK, generateProofResponse{
		ProofID:             job.ProofID,
		Status:              string(stage.StatusComputing),
		ProofURL:            proofURL,
		StarkProofURL:       starkURL,
		PublicValuesURL:     publicValuesURL,
		SolidityVerifierURL: h.cfg.VerifierURL,
	})
}

// invalidParameter writes the typed InvalidParameter response spec.md §7
// categorizes as the caller's fault; per the processing contract nothing is
// ever written to the Job Store for this path.
func (h *ProofHandler) invalidParameter(w http.ResponseWriter, proofID, message string) {
	WriteJSON(w, http.StatusOK, generateProofResponse{
		ProofID:      proofID,
		Status:       string(stage.StatusInvalidParameter),
		ErrorMessage: message,
	})
}

func (h *ProofHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	proofID := strings.TrimSpace(mux.Vars(r)["proof_id"])
	if proofID == "" {
		WriteError(w, r, http.StatusBadRequest, "missing_path_param", "provide /v1/status/{proof_id}", nil)
		return
	}

	job, err := h.store.GetJob(r.Context(), proofID)
	if err != nil {
		WriteError(w, r, http.StatusNotFound, "not_found", "no such proof_id", nil)
		return
	}

	proofURL, starkURL, publicValuesURL := h.artifactURLs(job)
	resp := getStatusResponse{
		ProofID:             job.ProofID,
		Status:              string(job.Status),
		Step:                string(job.Step),
		TotalSteps:          job.TotalSteps,
		ProofURL:            proofURL,
		StarkProofURL:       starkURL,
		PublicValuesURL:     publicValuesURL,
		SolidityVerifierURL: h.cfg.VerifierURL,
	}

	if job.Status == stage.StatusSuccess {
		if out, err := h.artifact.Read(job.OutputStreamPath); err == nil {
			resp.OutputStream = out
		}
		if job.Precompile {
			if receipt, err := h.artifact.Read(job.ProveReceiptPath(0)); err == nil {
				resp.Receipt = receipt
			}
		} else if !job.ExecuteOnly {
			resp.ProofWithPublicInputs = job.Result
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// artifactURLs templates the file-server base URL with proofID, per
// spec.md §4.1 step 6. The three URLs are only meaningful once the job
// reaches the Agg/Final phases, so execute_only and precompile jobs (which
// never write into aggregate/ or final/) get empty strings.
func (h *ProofHandler) artifactURLs(job *stage.Job) (proofURL, starkProofURL, publicValuesURL string) {
	if job.ExecuteOnly || job.Precompile || h.cfg.FileServerURL == "" {
		return "", "", ""
	}
	base := strings.TrimSuffix(h.cfg.FileServerURL, "/")
	proofURL = base + "/" + job.ProofID + "/final/proof_with_public_inputs.json"
	starkProofURL = base + "/" + job.ProofID + "/aggregate/proof_with_public_inputs.json"
	publicValuesURL = base + "/" + job.ProofID + "/aggregate/public_values.json"
	return
}
