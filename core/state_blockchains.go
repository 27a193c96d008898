package core

// state_blockchains.go - blockchain operations surface: getBlockchains,
// getBlockchainData, updateBlockchainData, backupAccount.

import (
	"encoding/json"
	"fmt"
	"os"
)

// GetBlockchains returns a snapshot copy of every known chain's state,
// keyed by name. Callers receive copies, never references into the live
// model.
func (s *StateStore) GetBlockchains() map[string]*ChainState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ChainState, len(s.state.Blockchains))
	for name, cs := range s.state.Blockchains {
		out[name] = cloneChainState(cs)
	}
	return out
}

// GetBlockchainData returns a copy of the named chain's state, or
// ErrNoResource if unknown.
func (s *StateStore) GetBlockchainData(name string) (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.state.Blockchains[name]
	if !ok {
		return nil, ProcessingError("GetBlockchainData", "NoResource", fmt.Errorf("unknown blockchain %q", name))
	}
	return cloneChainState(cs), nil
}

// UpdateBlockchainData replaces the named chain's state wholesale,
// emitting EventUpdatedBlockchain and triggering SaveState.
func (s *StateStore) UpdateBlockchainData(name string, data *ChainState) error {
	if data == nil {
		return ProcessingError("UpdateBlockchainData", "BadRequest", fmt.Errorf("nil chain state"))
	}
	s.mu.Lock()
	if s.state.Blockchains == nil {
		s.state.Blockchains = make(map[string]*ChainState)
	}
	s.state.Blockchains[name] = cloneChainState(data)
	s.mu.Unlock()

	s.emitAndSave(EventUpdatedBlockchain, name)
	return nil
}

// BackupAccount writes a single account's JSON representation to a
// sidecar file named "<chain>-<address>.json" under dir. The account's
// PrivateKey field, if ever present, is never written here; by this
// point it should already have been migrated into the keystore.
func (s *StateStore) BackupAccount(dir, chain, address string) error {
	s.mu.RLock()
	cs, ok := s.state.Blockchains[chain]
	var acc *Account
	if ok {
		for _, a := range cs.Accounts {
			if a.Address == address {
				acc = a
				break
			}
		}
	}
	s.mu.RUnlock()
	if acc == nil {
		return ProcessingError("BackupAccount", "NoResource", fmt.Errorf("account %q on %q not found", address, chain))
	}

	safe := *acc
	safe.PrivateKey = ""
	raw, err := json.MarshalIndent(safe, "", "  ")
	if err != nil {
		return wrap(err, "backup account: marshal")
	}
	path := fmt.Sprintf("%s/%s-%s.json", dir, chain, address)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return wrap(err, "backup account: write")
	}
	return nil
}

func cloneChainState(cs *ChainState) *ChainState {
	if cs == nil {
		return nil
	}
	out := &ChainState{
		Parameters: make(map[string]any, len(cs.Parameters)),
		Status:     cs.Status,
		Accounts:   make([]*Account, len(cs.Accounts)),
	}
	for k, v := range cs.Parameters {
		out.Parameters[k] = v
	}
	for i, a := range cs.Accounts {
		acc := *a
		out.Accounts[i] = &acc
	}
	return out
}
