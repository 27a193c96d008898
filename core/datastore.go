package core

// datastore.go - the Datastore collaborator and the optional on-disk
// state-mirror file. The Datastore's driver internals are supplied by
// the caller; this file only defines the contract and the file-mirror
// helper.

import (
	"encoding/json"
	"fmt"
	"os"
)

// StateBlob is the opaque-to-the-Datastore payload persisted between
// restarts: either the encrypted {tag, iv, state} triple, or, when
// encryption is disabled, the bare {state} fallback.
type StateBlob struct {
	Tag   string `json:"tag,omitempty"`
	IV    string `json:"iv,omitempty"`
	State string `json:"state"`
}

// Encrypted reports whether the blob carries the tag/iv pair needed to
// decrypt State: if both tag and iv are present the blob is decrypted,
// otherwise State is used directly.
func (b StateBlob) Encrypted() bool { return b.Tag != "" && b.IV != "" }

// Datastore is the external collaborator that actually persists the state
// blob. Implementations are driver-specific (file, SQL, KV store) and
// are out of scope for this subsystem; the State Store only depends on
// this interface.
type Datastore interface {
	GetState() (blob *StateBlob, err error)
	StoreState(blob *StateBlob) error
}

// FileMirror is a minimal Datastore implementation backed by a single JSON
// file, used both as the optional save-time mirror and as a standalone
// store. It exists primarily so tests and
// small deployments have a working Datastore without standing up a real
// driver; production datastore internals remain an external collaborator.
type FileMirror struct {
	Path string
}

// GetState reads and JSON-decodes the mirror file. A missing file is not
// an error: it reports a nil blob so StateStore.initState treats it as
// "absent, initialise empty".
func (f *FileMirror) GetState() (*StateBlob, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file mirror: read: %w", err)
	}
	var blob StateBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("file mirror: decode: %w", err)
	}
	return &blob, nil
}

// StoreState JSON-encodes and writes blob to the mirror file, overwriting
// any previous contents.
func (f *FileMirror) StoreState(blob *StateBlob) error {
	raw, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("file mirror: encode: %w", err)
	}
	if err := os.WriteFile(f.Path, raw, 0o600); err != nil {
		return fmt.Errorf("file mirror: write: %w", err)
	}
	return nil
}
