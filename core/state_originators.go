package core

// state_originators.go - originator CRUD, including the upsert
// algorithm. The upsert is written out case-by-case rather than
// "simplified": each branch encodes a real merge edge case between
// address-identified and token-identified records.

import (
	"fmt"
	"strings"
	"time"
)

// GetOriginators returns a copy of every known originator.
func (s *StateStore) GetOriginators() []*Originator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Originator, len(s.state.Originators))
	for i, o := range s.state.Originators {
		clone := *o
		clone.AuthenticationMessages = append([]string{}, o.AuthenticationMessages...)
		out[i] = &clone
	}
	return out
}

// GetOriginatorData returns a copy of the originator with the given
// address (case-insensitive), or ErrNoResource.
func (s *StateStore) GetOriginatorData(address string) (*Originator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexByAddress(address)
	if idx < 0 {
		return nil, ProcessingError("GetOriginatorData", "NoResource", fmt.Errorf("no originator with address %q", address))
	}
	clone := *s.state.Originators[idx]
	clone.AuthenticationMessages = append([]string{}, s.state.Originators[idx].AuthenticationMessages...)
	return &clone, nil
}

// GetOriginatorAuthToken returns a copy of the originator bound to
// tokenID, or ErrNoResource.
func (s *StateStore) GetOriginatorAuthToken(tokenID string) (*Originator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexByToken(tokenID)
	if idx < 0 {
		return nil, ProcessingError("GetOriginatorAuthToken", "NoResource", fmt.Errorf("no originator with authTokenId %q", tokenID))
	}
	clone := *s.state.Originators[idx]
	clone.AuthenticationMessages = append([]string{}, s.state.Originators[idx].AuthenticationMessages...)
	return &clone, nil
}

// RemoveOriginatorData deletes the originator with the given address,
// emitting EventRemovedOriginator.
func (s *StateStore) RemoveOriginatorData(address string) error {
	s.mu.Lock()
	idx := s.indexByAddress(address)
	if idx < 0 {
		s.mu.Unlock()
		return ProcessingError("RemoveOriginatorData", "NoResource", fmt.Errorf("no originator with address %q", address))
	}
	removed := s.state.Originators[idx]
	s.state.Originators = append(s.state.Originators[:idx], s.state.Originators[idx+1:]...)
	s.mu.Unlock()

	s.emitAndSave(EventRemovedOriginator, OriginatorEvent{Originator: removed})
	return nil
}

// RemoveOriginatorAuthToken clears the authTokenId of the originator bound
// to tokenID, leaving the rest of the record intact. A token-only record
// (no address) is removed entirely: a record with neither identity field
// would violate the schema.
func (s *StateStore) RemoveOriginatorAuthToken(tokenID string) error {
	s.mu.Lock()
	idx := s.indexByToken(tokenID)
	if idx < 0 {
		s.mu.Unlock()
		return ProcessingError("RemoveOriginatorAuthToken", "NoResource", fmt.Errorf("no originator with authTokenId %q", tokenID))
	}
	o := s.state.Originators[idx]
	if o.Address == "" {
		s.state.Originators = append(s.state.Originators[:idx], s.state.Originators[idx+1:]...)
		s.mu.Unlock()
		s.emitAndSave(EventRemovedOriginator, OriginatorEvent{Originator: o})
		return nil
	}
	o.AuthTokenID = ""
	s.mu.Unlock()

	s.emitAndSave(EventUpdatedOriginator, OriginatorEvent{Originator: o})
	return nil
}

// SetOriginatorEcdhPublicKey sets or clears the stored ECDH public key of
// the originator with the given address. UpsertOriginatorData's merge
// ignores empty fields, so clearing a key on protocol recall/discontinue
// needs this explicit setter.
func (s *StateStore) SetOriginatorEcdhPublicKey(address, pubHex string) error {
	s.mu.Lock()
	idx := s.indexByAddress(address)
	if idx < 0 {
		s.mu.Unlock()
		return ProcessingError("SetOriginatorEcdhPublicKey", "NoResource", fmt.Errorf("no originator with address %q", address))
	}
	o := s.state.Originators[idx]
	o.EcdhPublicKey = pubHex
	o.Updated = time.Now().UTC()
	s.mu.Unlock()

	s.emitAndSave(EventUpdatedOriginator, OriginatorEvent{Originator: o})
	return nil
}

// RemoveOriginatorAuthMessage removes the referenced transaction hash from
// the originator's authenticationMessages; once the list is empty the
// authenticationValid flag is cleared. Removal cannot go through
// UpsertOriginatorData, whose merge only ever accumulates message hashes.
func (s *StateStore) RemoveOriginatorAuthMessage(address, hash string) error {
	s.mu.Lock()
	idx := s.indexByAddress(address)
	if idx < 0 {
		s.mu.Unlock()
		return ProcessingError("RemoveOriginatorAuthMessage", "NoResource", fmt.Errorf("no originator with address %q", address))
	}
	o := s.state.Originators[idx]
	if o.removeAuthMessage(hash) {
		o.AuthenticationValid = false
	}
	o.Updated = time.Now().UTC()
	s.mu.Unlock()

	s.emitAndSave(EventUpdatedOriginator, OriginatorEvent{Originator: o})
	return nil
}

func (s *StateStore) indexByAddress(address string) int {
	if address == "" {
		return -1
	}
	for i, o := range s.state.Originators {
		if strings.EqualFold(o.Address, address) {
			return i
		}
	}
	return -1
}

func (s *StateStore) indexByToken(tokenID string) int {
	if tokenID == "" {
		return -1
	}
	for i, o := range s.state.Originators {
		if o.AuthTokenID == tokenID {
			return i
		}
	}
	return -1
}

// UpsertOriginatorData inserts or merges an originator record. data is
// merged into (or becomes) the resulting record; the caller's pointer is
// not retained.
func (s *StateStore) UpsertOriginatorData(data *Originator) error {
	if data == nil {
		return ProcessingError("UpsertOriginatorData", "BadRequest", fmt.Errorf("nil originator data"))
	}
	a := data.Address != ""
	t := data.AuthTokenID != ""
	if !a && !t {
		return ProcessingError("UpsertOriginatorData", "BadRequest",
			fmt.Errorf("originator must carry an address or an authTokenId"))
	}

	s.mu.Lock()
	idxA := s.indexByAddress(data.Address)
	idxT := s.indexByToken(data.AuthTokenID)

	var event EventKind
	var result *Originator

	switch {
	case idxA < 0:
		// 2. No record with that address.
		switch {
		case idxT < 0:
			// 2a. No record with that token either: insert new.
			result = cloneOriginator(data)
			s.state.Originators = append(s.state.Originators, result)
			event = EventInsertedOriginator
			if !a {
				event = EventInsertedOriginatorAuthToken
			}
		case s.state.Originators[idxT].Address == "":
			// 2b. Token-matching record has empty address: merge into it.
			result = s.state.Originators[idxT]
			mergeOriginator(result, data)
			event = EventUpdatedOriginatorAuthToken
		default:
			// 2c. Token-matching record already has an address: address
			// supersedes token attachment, insert a new record.
			result = cloneOriginator(data)
			s.state.Originators = append(s.state.Originators, result)
			event = EventInsertedOriginator
		}
	default:
		// 3. Address-matching record exists.
		addrRecord := s.state.Originators[idxA]
		if idxT >= 0 && idxT != idxA && addrRecord.AuthTokenID != "" {
			// 3a. Token also matches a *different* record: clone the address
			// record's prior {name, blockchain, authTokenId} into a new entry
			// to preserve its old token binding before the merge overwrites
			// it. A record with no prior token has no binding to preserve;
			// cloning it would create an entry with neither address nor
			// token, which the schema forbids.
			preserved := &Originator{
				Name:        addrRecord.Name,
				Blockchain:  addrRecord.Blockchain,
				AuthTokenID: addrRecord.AuthTokenID,
			}
			s.state.Originators = append(s.state.Originators, preserved)
		}
		// 3b. Remove any originator sharing this authTokenId with an empty
		// address (it is superseded by the address record's merge below).
		if data.AuthTokenID != "" {
			s.removeEmptyAddressTokenHolders(data.AuthTokenID, addrRecord)
			// Re-resolve idxA: the removal above may have shifted indices.
			idxA = s.indexByAddress(data.Address)
			addrRecord = s.state.Originators[idxA]
		}
		// 3c. Merge data into the address record.
		mergeOriginator(addrRecord, data)
		result = addrRecord
		event = EventUpdatedOriginator
	}
	s.mu.Unlock()

	s.emitAndSave(event, OriginatorEvent{Originator: result})
	return nil
}

// removeEmptyAddressTokenHolders removes every originator (other than
// keep) that shares tokenID and has an empty address; such records are
// superseded once an address record claims the token.
func (s *StateStore) removeEmptyAddressTokenHolders(tokenID string, keep *Originator) {
	out := s.state.Originators[:0]
	for _, o := range s.state.Originators {
		if o != keep && o.AuthTokenID == tokenID && o.Address == "" {
			continue
		}
		out = append(out, o)
	}
	s.state.Originators = out
}

func cloneOriginator(src *Originator) *Originator {
	out := *src
	out.AuthenticationMessages = append([]string{}, src.AuthenticationMessages...)
	if out.Updated.IsZero() {
		out.Updated = time.Now().UTC()
	}
	return &out
}

// mergeOriginator copies every non-zero field of src into dst, preserving
// dst's existing value where src leaves a field at its zero value. The
// exception is AuthenticationValid, which always takes src's value.
func mergeOriginator(dst, src *Originator) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Blockchain != "" {
		dst.Blockchain = src.Blockchain
	}
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.OriginatorPubKey != "" {
		dst.OriginatorPubKey = src.OriginatorPubKey
	}
	if src.EcdhPublicKey != "" {
		dst.EcdhPublicKey = src.EcdhPublicKey
	}
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.AuthTokenID != "" {
		dst.AuthTokenID = src.AuthTokenID
	}
	// AuthenticationValid is a plain bool: src's explicit value always
	// wins, since the caller of UpsertOriginatorData always sets it
	// deliberately.
	dst.AuthenticationValid = src.AuthenticationValid
	for _, h := range src.AuthenticationMessages {
		dst.addAuthMessage(h)
	}
	dst.Updated = time.Now().UTC()
}
