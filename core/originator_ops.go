package core

// originator_ops.go - the stable Originator/PSK/Token operations
// surface, a thin contract layer over the State Store's keystore and
// originator operations. Raw secrets are never surfaced back to the
// caller or written to logs.

import "fmt"

// GetPreSharedKey returns the raw hex pre-shared key between originator
// and account on the originator's chain. Key id =
// hash(chain+originator+account)[:12].
func (s *StateStore) GetPreSharedKey(originatorAddress, accountAddress string) (string, error) {
	o, err := s.GetOriginatorData(originatorAddress)
	if err != nil {
		return "", err
	}
	id := KeyID(o.Blockchain, originatorAddress, accountAddress)
	return s.GetKey(BucketPresharedKeys, id)
}

// StorePreSharedKey validates that originator and account both exist, then
// upserts the key. rawKeyHex is never retained by the caller's request
// object after this call returns.
func (s *StateStore) StorePreSharedKey(originatorAddress, accountAddress, rawKeyHex string) error {
	o, err := s.GetOriginatorData(originatorAddress)
	if err != nil {
		return err
	}
	chain, err := s.GetBlockchainData(o.Blockchain)
	if err != nil {
		return err
	}
	found := false
	for _, acc := range chain.Accounts {
		if acc.Address == accountAddress {
			found = true
			break
		}
	}
	if !found {
		return ProcessingError("StorePreSharedKey", "NoResource",
			fmt.Errorf("account %q not found on originator's chain %q", accountAddress, o.Blockchain))
	}
	id := KeyID(o.Blockchain, originatorAddress, accountAddress)
	return s.UpsertKey(BucketPresharedKeys, id, rawKeyHex)
}

// DeletePreSharedKey deletes the key by id without requiring it to
// pre-exist. The chain is resolved from the originator record, the same
// way GetPreSharedKey and StorePreSharedKey derive the key id.
func (s *StateStore) DeletePreSharedKey(originatorAddress, accountAddress string) error {
	o, err := s.GetOriginatorData(originatorAddress)
	if err != nil {
		return err
	}
	id := KeyID(o.Blockchain, originatorAddress, accountAddress)
	return s.RemoveKey(BucketPresharedKeys, id)
}

// GetAuthToken returns the raw hex secret stored for tokenID.
func (s *StateStore) GetAuthToken(tokenID string) (string, error) {
	return s.GetKey(BucketAuthTokens, tokenID)
}

// AuthTokenRequest is the request shape for StoreAuthToken. Secret is
// cleared from the request before StoreAuthToken returns and is never
// logged.
type AuthTokenRequest struct {
	Name       string
	Blockchain string
	Address    string // optional
	Secret     string
}

// StoreAuthToken derives authTokenId = hash(blockchain+secret)[:12],
// rejects a duplicate id with ErrResourceConflict, and upserts both the
// token key and an originator record carrying it. The request's Secret is
// cleared on every return path, success or failure.
func (s *StateStore) StoreAuthToken(req *AuthTokenRequest) (tokenID string, err error) {
	if req == nil {
		return "", ProcessingError("StoreAuthToken", "BadRequest", fmt.Errorf("nil request"))
	}
	defer func() { req.Secret = "" }()
	if req.Secret == "" {
		return "", ProcessingError("StoreAuthToken", "BadRequest", fmt.Errorf("secret is required"))
	}
	id := KeyID(req.Blockchain, req.Secret)
	if existing, err := s.GetKeyIDs(BucketAuthTokens); err == nil {
		for _, e := range existing {
			if e == id {
				return "", ProcessingError("StoreAuthToken", "ResourceConflict",
					fmt.Errorf("authTokenId %q already exists", id))
			}
		}
	}
	if err := s.UpsertKey(BucketAuthTokens, id, req.Secret); err != nil {
		return "", err
	}
	if err := s.UpsertOriginatorData(&Originator{
		Name:        req.Name,
		Blockchain:  req.Blockchain,
		Address:     req.Address,
		AuthTokenID: id,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteAuthToken removes the key and clears the binding on whichever
// originator carries it.
func (s *StateStore) DeleteAuthToken(tokenID string) error {
	if err := s.RemoveKey(BucketAuthTokens, tokenID); err != nil {
		return err
	}
	if _, err := s.GetOriginatorAuthToken(tokenID); err == nil {
		return s.RemoveOriginatorAuthToken(tokenID)
	}
	return nil
}
