package core

// state_keystore.go - per-key envelope encryption and the keystore
// operations surface: getKeyIds, getKey, upsertKey, removeKey.
// Each key's secret is encrypted under KEK(id); StateStore owns the
// master key (MEK) used to derive it.

import (
	"encoding/hex"
	"fmt"
)

type namedBucket struct {
	name    string
	records []*KeyRecord
}

// allBuckets returns every crypto bucket paired with its schema name, used
// by ValidateSchema and the generic keystore operations below.
func allBuckets(c *CryptoBuckets) []namedBucket {
	return []namedBucket{
		{string(BucketBlockchainKeys), c.BlockchainKeys},
		{string(BucketEcdhPrivateKeys), c.EcdhPrivateKeys},
		{string(BucketPresharedKeys), c.PresharedKeys},
		{string(BucketNegotiatedKeys), c.NegotiatedKeys},
		{string(BucketAuthTokens), c.AuthTokens},
	}
}

// bucketSlice returns a pointer to the named bucket's backing slice so
// callers can append/replace in place.
func bucketSlice(c *CryptoBuckets, bucket bucketName) (*[]*KeyRecord, error) {
	switch bucket {
	case BucketBlockchainKeys:
		return &c.BlockchainKeys, nil
	case BucketEcdhPrivateKeys:
		return &c.EcdhPrivateKeys, nil
	case BucketPresharedKeys:
		return &c.PresharedKeys, nil
	case BucketNegotiatedKeys:
		return &c.NegotiatedKeys, nil
	case BucketAuthTokens:
		return &c.AuthTokens, nil
	default:
		return nil, ProcessingError("bucketSlice", "BadRequest", fmt.Errorf("unknown bucket %q", bucket))
	}
}

// findKey returns the record with the given id in slice, or nil.
func findKey(slice []*KeyRecord, id string) *KeyRecord {
	for _, k := range slice {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// GetKeyIDs returns every key id currently stored in bucket.
func (s *StateStore) GetKeyIDs(bucket bucketName) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slice, err := bucketSlice(&s.state.Crypto, bucket)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(*slice))
	for _, k := range *slice {
		ids = append(ids, k.ID)
	}
	return ids, nil
}

// GetKey decrypts and returns the raw hex secret for (bucket, id).
// Returns ErrNoResource if absent, CorruptedState if the envelope is
// malformed or fails authentication.
func (s *StateStore) GetKey(bucket bucketName, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slice, err := bucketSlice(&s.state.Crypto, bucket)
	if err != nil {
		return "", err
	}
	rec := findKey(*slice, id)
	if rec == nil {
		return "", ProcessingError("GetKey", "NoResource", fmt.Errorf("key %q not found in %s", id, bucket))
	}
	kek, err := DeriveKEK(s.mek, rec.ID)
	if err != nil {
		return "", StateFatal("GetKey", err)
	}
	defer zeroise(kek)
	ct, err := hex.DecodeString(rec.Secret.Key)
	if err != nil {
		return "", CorruptedState("GetKey", fmt.Errorf("decode ciphertext: %w", err))
	}
	plain, err := OpenGCM(kek, EncryptedEnvelope{Tag: rec.Secret.Tag, IV: rec.Secret.IV, Ciphertext: ct})
	if err != nil {
		return "", err
	}
	defer zeroise(plain)
	return string(plain), nil
}

// UpsertKey encrypts rawHex under KEK(id) and inserts or replaces the
// record in bucket, emitting insertedKey or updatedKey and triggering
// saveState.
func (s *StateStore) UpsertKey(bucket bucketName, id string, rawHex string) error {
	s.mu.Lock()
	slice, err := bucketSlice(&s.state.Crypto, bucket)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	kek, err := DeriveKEK(s.mek, id)
	if err != nil {
		s.mu.Unlock()
		return StateFatal("UpsertKey", err)
	}
	defer zeroise(kek)

	raw := []byte(rawHex)
	defer zeroise(raw)
	envelope, err := SealGCM(kek, raw)
	if err != nil {
		s.mu.Unlock()
		return StateFatal("UpsertKey", err)
	}
	rec := &KeyRecord{
		ID: id,
		Secret: EncryptedKeyRec{
			Tag: envelope.Tag,
			IV:  envelope.IV,
			Key: hex.EncodeToString(envelope.Ciphertext),
		},
	}

	existing := findKey(*slice, id)
	eventName := EventInsertedKey
	if existing != nil {
		*existing = *rec
		eventName = EventUpdatedKey
	} else {
		*slice = append(*slice, rec)
	}
	s.mu.Unlock()

	s.emitAndSave(eventName, KeyEvent{Bucket: string(bucket), ID: id})
	return nil
}

// RemoveKey deletes the record with id from bucket, emitting removedKey
// and triggering saveState. No error if the key was already absent.
func (s *StateStore) RemoveKey(bucket bucketName, id string) error {
	s.mu.Lock()
	slice, err := bucketSlice(&s.state.Crypto, bucket)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	out := (*slice)[:0]
	removed := false
	for _, k := range *slice {
		if k.ID == id {
			removed = true
			continue
		}
		out = append(out, k)
	}
	*slice = out
	s.mu.Unlock()

	if removed {
		s.emitAndSave(EventRemovedKey, KeyEvent{Bucket: string(bucket), ID: id})
	}
	return nil
}
