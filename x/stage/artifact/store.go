// Package artifact implements the filesystem-backed Artifact Store: the
// tree of per-job paths under a configured base directory that every other
// component references by path, never by value.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store roots every job's directory tree at BaseDir/proof/{proof_id}/...
type Store struct {
	BaseDir string
}

// New constructs a Store rooted at baseDir. baseDir must already exist or be
// creatable; no directory is created until a job is materialized.
func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// Layout is the full set of well-known paths for one job, populated by
// MaterializeJob and reused verbatim throughout the job's lifetime.
type Layout struct {
	Root             string
	ElfPath          string
	BlockDir         string
	InputStreamDir   string
	PublicInputPath  string // "" if no public_input_stream was supplied
	PrivateInputPath string // "" if no private_input_stream was supplied
	ReceiptInputsPath string // "" if no receipt_input list was supplied
	ReceiptsPath      string // "" if no receipt list was supplied
	OutputStreamDir  string
	OutputStreamPath string
	SegPath          string
	ProvePath        string
	ProveReceiptPath string
	AggPath          string
	FinalDir         string
	FinalPath        string
}

// BlockFile names one raw block_data entry to be written under BlockDir.
type BlockFile struct {
	Name string
	Data []byte
}

// MaterializeJob creates the full directory tree for proofID and writes
// elfData, the block files, and any supplied input/receipt blobs, in the
// order the ingest path commits them: directory creation before any write,
// so a crash mid-write never leaves a write targeting a missing directory.
func (s *Store) MaterializeJob(proofID string, elfData []byte, blockNo uint64, blocks []BlockFile,
	publicInputStream, privateInputStream, receiptInputs, receipts []byte) (Layout, error) {

	root := filepath.Join(s.BaseDir, "proof", proofID)
	l := Layout{
		Root:           root,
		ElfPath:        filepath.Join(root, "elf"),
		BlockDir:       filepath.Join(root, fmt.Sprintf("0_%d", blockNo)),
		InputStreamDir: filepath.Join(root, "input_stream"),
		OutputStreamDir: filepath.Join(root, "output_stream"),
		SegPath:        filepath.Join(root, "segment"),
		ProvePath:      filepath.Join(root, "prove"),
		AggPath:        filepath.Join(root, "aggregate"),
		FinalDir:       filepath.Join(root, "final"),
	}
	l.ProveReceiptPath = filepath.Join(l.ProvePath, "receipt")
	l.OutputStreamPath = filepath.Join(l.OutputStreamDir, "output_stream")
	l.FinalPath = filepath.Join(l.FinalDir, "proof_with_public_inputs.json")

	for _, dir := range []string{root, l.BlockDir, l.InputStreamDir, l.OutputStreamDir, l.SegPath, l.ProvePath, l.ProveReceiptPath, l.AggPath, l.FinalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	if err := write(l.ElfPath, elfData); err != nil {
		return Layout{}, err
	}
	for _, b := range blocks {
		if err := write(filepath.Join(l.BlockDir, b.Name), b.Data); err != nil {
			return Layout{}, err
		}
	}

	if len(publicInputStream) > 0 {
		l.PublicInputPath = filepath.Join(l.InputStreamDir, "public_input")
		if err := write(l.PublicInputPath, publicInputStream); err != nil {
			return Layout{}, err
		}
	}
	if len(privateInputStream) > 0 {
		l.PrivateInputPath = filepath.Join(l.InputStreamDir, "private_input")
		if err := write(l.PrivateInputPath, privateInputStream); err != nil {
			return Layout{}, err
		}
	}
	if len(receiptInputs) > 0 {
		l.ReceiptInputsPath = filepath.Join(l.InputStreamDir, "receipt_inputs")
		if err := write(l.ReceiptInputsPath, receiptInputs); err != nil {
			return Layout{}, err
		}
	}
	if len(receipts) > 0 {
		l.ReceiptsPath = filepath.Join(l.InputStreamDir, "receipts")
		if err := write(l.ReceiptsPath, receipts); err != nil {
			return Layout{}, err
		}
	}

	return l, nil
}

func write(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteResult writes data to path, creating parent directories as needed.
// Used by the Dispatch Client to persist a Final SubTask's result bytes.
func (s *Store) WriteResult(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	return write(path, data)
}

// Read returns the bytes at path. By Artifact Store naming convention every
// path has exactly one writer, so no locking is needed on the read side.
func (s *Store) Read(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// Exists reports whether path names a non-empty file.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// SegmentPath returns the input segment file path for segment i under segDir.
func SegmentPath(segDir string, i int) string {
	return filepath.Join(segDir, fmt.Sprintf("%d", i))
}

// ProveReceiptPath returns the output receipt path for segment i under
// proveReceiptDir (Layout.ProveReceiptPath).
func ProveReceiptPath(proveReceiptDir string, i int) string {
	return filepath.Join(proveReceiptDir, fmt.Sprintf("%d", i))
}
