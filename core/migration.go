package core

// migration.go - the at-load migration step: ensure all top-level
// keys exist, lift any plaintext account private key into
// crypto.blockchainKeys (erasing the original field), and dedupe each
// originator's authenticationMessages.
//
// Migration never touches the master key's KEK derivation contract: a
// migrated key is encrypted exactly the same way UpsertKey would encrypt
// it, so a post-migration GetKey call is indistinguishable from a key that
// was always stored through the keystore API.

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// migrateState mutates st in place: ensure top-level collections exist
// and dedupe each originator's authenticationMessages.
func migrateState(st *State) {
	if st.Blockchains == nil {
		st.Blockchains = make(map[string]*ChainState)
	}
	for _, o := range st.Originators {
		o.dedupeAuthMessages()
	}
	// Plaintext-key lifting is performed by StateStore.InitState via
	// migrateAccountKeys, which needs the MEK to encrypt the lifted
	// secret.
}

// migrateAccountKeys lifts any plaintext Account.PrivateKey into
// crypto.blockchainKeys under id = hash(chain+address)[:12], erasing the
// original field. Called by InitState after migrateState, while s.mu is
// held.
func (s *StateStore) migrateAccountKeys() error {
	for chainName, cs := range s.state.Blockchains {
		if cs == nil {
			continue
		}
		for _, acc := range cs.Accounts {
			if acc.PrivateKey == "" {
				continue
			}
			id := KeyID(chainName, acc.Address)
			if err := s.sealAndStoreKeyLocked(BucketBlockchainKeys, id, acc.PrivateKey); err != nil {
				return StateFatal("migrateAccountKeys", err)
			}
			acc.PrivateKey = ""
			s.log.WithFields(logrus.Fields{"chain": chainName, "address": acc.Address}).
				Info("state store: migrated plaintext account key")
		}
	}
	return nil
}

// sealAndStoreKeyLocked encrypts rawHex under KEK(id) and inserts it into
// bucket without emitting an event or triggering a save. Used only
// during migration, which logs one line per migrated key instead of
// emitting per-key mutation events.
func (s *StateStore) sealAndStoreKeyLocked(bucket bucketName, id, rawHex string) error {
	slice, err := bucketSlice(&s.state.Crypto, bucket)
	if err != nil {
		return err
	}
	kek, err := DeriveKEK(s.mek, id)
	if err != nil {
		return err
	}
	defer zeroise(kek)
	raw := []byte(rawHex)
	defer zeroise(raw)
	envelope, err := SealGCM(kek, raw)
	if err != nil {
		return err
	}
	rec := &KeyRecord{ID: id, Secret: EncryptedKeyRec{
		Tag: envelope.Tag,
		IV:  envelope.IV,
		Key: hex.EncodeToString(envelope.Ciphertext),
	}}
	if existing := findKey(*slice, id); existing != nil {
		*existing = *rec
	} else {
		*slice = append(*slice, rec)
	}
	return nil
}
