package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/signer"
	"github.com/compose-network/stage-orchestrator/x/stage/store"
)

func newTestHandler(t *testing.T) (*ProofHandler, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "stage.db")
	st, err := store.Open("file:"+dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	art := artifact.New(t.TempDir())
	cfg := stage.Config{FileServerURL: "https://files.example.com"}
	return NewProofHandler(st, art, cfg, zerolog.Nop()), st
}

func signRequest(t *testing.T, proofID string, blockNo *uint64, segSize uint32) ([]byte, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256(signer.CanonicalMessage(proofID, blockNo, segSize))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	return sig, addr.Hex()[2:] // strip "0x"; callers lower-case it to match the users-table's lowercase-no-0x form
}

func TestGenerateProofAndGetStatus_HappyPath(t *testing.T) {
	h, st := newTestHandler(t)
	blockNo := uint64(7)
	sig, addrHex := signRequest(t, "p1", &blockNo, stage.MinSegSize)
	require.NoError(t, st.InsertUser(context.Background(), lower(addrHex)))

	r := mux.NewRouter()
	h.RegisterMux(r)

	body := generateProofRequest{
		ProofID:     "p1",
		ElfData:     []byte("ELF"),
		BlockData:   []blockDataEntry{{FileName: "block.bin", FileContent: []byte("block")}},
		BlockNo:     &blockNo,
		SegSize:     stage.MinSegSize,
		ExecuteOnly: false,
		Precompile:  false,
		Signature:   sig,
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, routeGenerateProof, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateProofResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "p1", resp.ProofID)
	require.Equal(t, string(stage.StatusComputing), resp.Status)

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/status/p1", nil)
	statusRec := httptest.NewRecorder()
	r.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status getStatusResponse
	require.NoError(t, json.NewDecoder(statusRec.Body).Decode(&status))
	require.Equal(t, string(stage.StatusComputing), status.Status)
	require.Equal(t, string(stage.StepInit), status.Step)
}

func TestGenerateProofRejectsUnknownSigner(t *testing.T) {
	h, _ := newTestHandler(t)
	sig, _ := signRequest(t, "p2", nil, stage.MinSegSize)

	r := mux.NewRouter()
	h.RegisterMux(r)

	body := generateProofRequest{ProofID: "p2", ElfData: []byte("ELF"), SegSize: stage.MinSegSize, Signature: sig}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, routeGenerateProof, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateProofResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, string(stage.StatusInvalidParameter), resp.Status)
	require.Equal(t, "permission denied", resp.ErrorMessage)
}

func TestGenerateProofRejectsBadSegSize(t *testing.T) {
	h, _ := newTestHandler(t)
	r := mux.NewRouter()
	h.RegisterMux(r)

	body := generateProofRequest{ProofID: "p3", ElfData: []byte("ELF"), SegSize: stage.MinSegSize - 1}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, routeGenerateProof, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateProofResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, string(stage.StatusInvalidParameter), resp.Status)
}

func TestGetStatusUnknownProofReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	r := mux.NewRouter()
	h.RegisterMux(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
