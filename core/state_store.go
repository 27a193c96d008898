package core

// state_store.go - the State Store: authoritative custody of all
// durable protocol state, at-rest envelope encryption, schema migration,
// and observability via named events. A single struct owns every mutable
// collection, loaded once by InitState, migrated, then mutated in
// place for the rest of the process's life. The State Store exclusively
// owns the state object; callers request mutations through named
// operations and receive copies back.

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// StateStore owns the entire protocol state object in memory and persists
// it through a Datastore after every mutation.
type StateStore struct {
	mu    sync.RWMutex
	state *State
	mek   []byte // 32-octet master key; cleared on closeState

	ds         Datastore
	mirrorPath string // optional secondary file mirror; empty disables it
	encryption bool   // false selects the unencrypted on-disk fallback

	events *Bus
	log    *logrus.Logger

	closed bool
}

// StateStoreOption configures optional behaviour of NewStateStore.
type StateStoreOption func(*StateStore)

// WithFileMirror additionally writes every saveState to path.
func WithFileMirror(path string) StateStoreOption {
	return func(s *StateStore) { s.mirrorPath = path }
}

// WithLogger overrides the default (standard) logrus logger.
func WithLogger(l *logrus.Logger) StateStoreOption {
	return func(s *StateStore) { s.log = l }
}

// WithoutEncryption disables at-rest encryption, selecting the
// unencrypted fallback shape {"state": "<json>"}. Only intended for local
// development.
func WithoutEncryption() StateStoreOption {
	return func(s *StateStore) { s.encryption = false }
}

// NewStateStore constructs a StateStore backed by ds. With encryption
// enabled (the default), mekHex must decode to exactly 32 octets; with
// WithoutEncryption its length is not checked. initState must still be
// called before any other operation.
func NewStateStore(ds Datastore, mekHex string, opts ...StateStoreOption) (*StateStore, error) {
	s := &StateStore{
		ds:         ds,
		events:     NewBus(),
		log:        logrus.StandardLogger(),
		encryption: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	mek, err := decodeHexKey(mekHex)
	if err != nil {
		return nil, StateFatal("NewStateStore", err)
	}
	if s.encryption && len(mek) != 32 {
		return nil, StateFatal("NewStateStore", fmt.Errorf("master key must be 32 octets, got %d", len(mek)))
	}
	s.mek = mek
	return s, nil
}

// Events returns the bus State Store mutation events are emitted on.
func (s *StateStore) Events() *Bus { return s.events }

// InitState loads the encrypted state blob from the Datastore; if absent,
// initialises an empty state; if present, authenticates, decrypts, then
// migrates and validates against the schema. Fails with StateFatal
// on any of: datastore read failure, decrypt/authentication failure,
// schema-invalid state. An invalid master key length is rejected earlier,
// by NewStateStore.
func (s *StateStore) InitState() error {
	blob, err := s.ds.GetState()
	if err != nil {
		return StateFatal("InitState", fmt.Errorf("datastore: %w", err))
	}

	var st *State
	if blob == nil {
		st = newEmptyState()
	} else {
		st, err = s.decodeBlob(blob)
		if err != nil {
			return err
		}
	}

	migrateState(st)

	if err := ValidateSchema(st); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = st
	migErr := s.migrateAccountKeys()
	s.mu.Unlock()
	if migErr != nil {
		return migErr
	}
	s.log.Info("state store: initialised")
	return nil
}

// decodeBlob authenticates and decrypts blob: if both tag and iv are
// present, decrypt via DEK; otherwise use state directly as a JSON
// string.
func (s *StateStore) decodeBlob(blob *StateBlob) (*State, error) {
	var raw []byte
	if blob.Encrypted() {
		dek, err := DeriveDEK(s.mek)
		if err != nil {
			return nil, StateFatal("decodeBlob", err)
		}
		defer zeroise(dek)
		ct, err := base64.StdEncoding.DecodeString(blob.State)
		if err != nil {
			return nil, StateFatal("decodeBlob", fmt.Errorf("decode base64 state: %w", err))
		}
		raw, err = OpenGCM(dek, EncryptedEnvelope{Tag: blob.Tag, IV: blob.IV, Ciphertext: ct})
		if err != nil {
			return nil, StateFatal("decodeBlob", fmt.Errorf("cannot restore state: %w", err))
		}
	} else {
		raw = []byte(blob.State)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, StateFatal("decodeBlob", fmt.Errorf("unmarshal state: %w", err))
	}
	if st.Blockchains == nil {
		st.Blockchains = make(map[string]*ChainState)
	}
	return &st, nil
}

// CloseState flushes once, then clears the master key from memory, and
// emits EventClosed after persistence completes. The MEK is cleared only
// after the flush has been acknowledged.
func (s *StateStore) CloseState() error {
	if err := s.SaveState(); err != nil {
		return err
	}
	s.mu.Lock()
	zeroise(s.mek)
	s.closed = true
	s.mu.Unlock()
	s.events.Emit(EventClosed, nil)
	return nil
}

// SaveState envelopes the current state and writes it through the
// Datastore, optionally mirroring to a file. Idempotent; safe to call
// after every mutation. Errors are logged and returned, never
// silently partial-written: the in-memory model is left untouched on
// failure.
func (s *StateStore) SaveState() error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st == nil {
		return StateFatal("SaveState", fmt.Errorf("state not initialised"))
	}

	raw, err := json.Marshal(st)
	if err != nil {
		s.log.WithError(err).Warn("state store: marshal failed")
		return wrap(err, "save state: marshal")
	}

	var blob *StateBlob
	if s.encryption {
		dek, derr := DeriveDEK(s.mek)
		if derr != nil {
			return StateFatal("SaveState", derr)
		}
		defer zeroise(dek)
		envelope, serr := SealGCM(dek, raw)
		if serr != nil {
			s.log.WithError(serr).Warn("state store: seal failed")
			return wrap(serr, "save state: seal")
		}
		blob = &StateBlob{
			Tag:   envelope.Tag,
			IV:    envelope.IV,
			State: base64.StdEncoding.EncodeToString(envelope.Ciphertext),
		}
	} else {
		blob = &StateBlob{State: string(raw)}
	}

	if err := s.ds.StoreState(blob); err != nil {
		s.log.WithError(err).Warn("state store: datastore write failed")
		return wrap(err, "save state: datastore")
	}
	if s.mirrorPath != "" {
		mirror := &FileMirror{Path: s.mirrorPath}
		if err := mirror.StoreState(blob); err != nil {
			s.log.WithError(err).Warn("state store: file mirror write failed")
		}
	}
	s.events.Emit(EventSaved, nil)
	return nil
}

// emitAndSave emits a mutation event then triggers SaveState, logging (not
// propagating) any save failure; a save failure never discards the
// already-applied in-memory mutation.
func (s *StateStore) emitAndSave(kind EventKind, payload any) {
	s.events.Emit(kind, payload)
	if err := s.SaveState(); err != nil {
		s.log.WithError(err).Warn("state store: save after mutation failed")
	}
}

func decodeHexKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	out, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key hex: %w", err)
	}
	return out, nil
}
