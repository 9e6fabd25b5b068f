package api

import "encoding/binary"

// blockDataEntry is one (file_name, file_content) pair of generate_proof's
// repeated block_data field.
type blockDataEntry struct {
	FileName    string `json:"file_name"`
	FileContent []byte `json:"file_content"`
}

// generateProofRequest is the JSON schema for POST routeGenerateProof.
type generateProofRequest struct {
	ProofID             string           `json:"proof_id"`
	ElfData             []byte           `json:"elf_data"`
	BlockData           []blockDataEntry `json:"block_data"`
	PublicInputStream   []byte           `json:"public_input_stream,omitempty"`
	PrivateInputStream  []byte           `json:"private_input_stream,omitempty"`
	ReceiptInput        [][]byte         `json:"receipt_input,omitempty"`
	Receipt             [][]byte         `json:"receipt,omitempty"`
	BlockNo             *uint64          `json:"block_no,omitempty"`
	SegSize             uint32           `json:"seg_size"`
	ExecuteOnly         bool             `json:"execute_only"`
	Precompile          bool             `json:"precompile"`
	Signature           []byte           `json:"signature"`
}

// generateProofResponse is the JSON schema for generate_proof's reply.
type generateProofResponse struct {
	ProofID             string `json:"proof_id"`
	Status              string `json:"status"`
	ProofURL            string `json:"proof_url"`
	StarkProofURL       string `json:"stark_proof_url"`
	PublicValuesURL     string `json:"public_values_url"`
	SolidityVerifierURL string `json:"solidity_verifier_url"`
	ErrorMessage        string `json:"error_message,omitempty"`
}

// getStatusResponse is the JSON schema for get_status's reply.
type getStatusResponse struct {
	ProofID               string `json:"proof_id"`
	Status                string `json:"status"`
	Step                  string `json:"step"`
	TotalSteps            uint64 `json:"total_steps"`
	ProofURL              string `json:"proof_url"`
	StarkProofURL         string `json:"stark_proof_url"`
	PublicValuesURL       string `json:"public_values_url"`
	SolidityVerifierURL   string `json:"solidity_verifier_url"`
	OutputStream          []byte `json:"output_stream,omitempty"`
	Receipt               []byte `json:"receipt,omitempty"`
	ProofWithPublicInputs []byte `json:"proof_with_public_inputs,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
}

// encodeLengthPrefixed implements the length-prefixed binary encoding
// spec.md §4.1 step 4 requires for the structured receipt_input/receipt
// lists: a 4-byte big-endian length followed by each entry's bytes, back to
// back. Returns nil for an empty list so MaterializeJob treats it as unused.
func encodeLengthPrefixed(items [][]byte) []byte {
	if len(items) == 0 {
		return nil
	}
	var out []byte
	var lenBuf [4]byte
	for _, item := range items {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(item)))
		out = append(out, lenBuf[:]...)
		out = append(out, item...)
	}
	return out
}
