package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestGetBlockchainDataMissingIsNoResource(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetBlockchainData("nonexistent-chain")
	if err == nil {
		t.Fatalf("expected error for unknown blockchain")
	}
	if kind, ok := KindOf(err); !ok || kind != KindProcessing {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
}

func TestUpdateBlockchainDataThenGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpdateBlockchainData("bitcoin", &ChainState{Status: ChainStatus{CurrentBlock: 7}}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}
	cs, err := s.GetBlockchainData("bitcoin")
	if err != nil {
		t.Fatalf("GetBlockchainData: %v", err)
	}
	cs.Status.CurrentBlock = 999 // mutate the copy

	cs2, err := s.GetBlockchainData("bitcoin")
	if err != nil {
		t.Fatalf("GetBlockchainData (2nd): %v", err)
	}
	if cs2.Status.CurrentBlock != 7 {
		t.Fatalf("expected internal state untouched by caller mutation, got %d", cs2.Status.CurrentBlock)
	}
}

func TestGetBlockchainsReturnsAllKnownChains(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpdateBlockchainData("bitcoin", &ChainState{}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}
	if err := s.UpdateBlockchainData("ethereum", &ChainState{}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}
	all := s.GetBlockchains()
	if len(all) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(all))
	}
	if _, ok := all["bitcoin"]; !ok {
		t.Fatalf("expected bitcoin present")
	}
	if _, ok := all["ethereum"]; !ok {
		t.Fatalf("expected ethereum present")
	}
}

func TestBackupAccountWritesSanitizedJSON(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpdateBlockchainData("bitcoin", &ChainState{
		Accounts: []*Account{{Address: "0xACC1", PrivateKey: "should-never-be-written"}},
	}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}

	dir := t.TempDir()
	if err := s.BackupAccount(dir, "bitcoin", "0xACC1"); err != nil {
		t.Fatalf("BackupAccount: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bitcoin-0xACC1.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got Account
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if got.Address != "0xACC1" {
		t.Fatalf("expected address preserved, got %q", got.Address)
	}
	if got.PrivateKey != "" {
		t.Fatalf("expected private key never written to backup, got %q", got.PrivateKey)
	}
}

func TestBackupAccountMissingAccountIsNoResource(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpdateBlockchainData("bitcoin", &ChainState{}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}
	err := s.BackupAccount(t.TempDir(), "bitcoin", "0xMISSING")
	if err == nil {
		t.Fatalf("expected error for missing account")
	}
	if kind, ok := KindOf(err); !ok || kind != KindProcessing {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
}
