package core

// state_types.go - the State Store's data model. These types are the
// in-memory authoritative model; state_store.go owns serialisation and
// encryption. A single struct owns every mutable map/slice, with no
// per-field locking.

import "time"

// State is the top-level authoritative model: blockchains,
// originators, named queues, and the keystore buckets.
type State struct {
	Blockchains map[string]*ChainState `json:"blockchains"`
	Originators []*Originator          `json:"originators"`
	Queue       Queues                 `json:"queue"`
	Crypto      CryptoBuckets          `json:"crypto"`
}

// Queues holds every named at-rest queue. initVectors and blockDepths are
// the only queues; GetQueue rejects any other name, and unknown queue
// keys in a stored state are dropped on load.
type Queues struct {
	InitVectors []IVQueueEntry `json:"initVectors"`
	BlockDepths []BlockDepth   `json:"blockDepths"`
}

// BlockDepth is a pending block-confirmation-depth tracking entry, kept
// minimal and opaque to the state store itself.
type BlockDepth struct {
	Blockchain  string `json:"blockchain"`
	BlockNumber uint64 `json:"blockNumber"`
	ReferenceID string `json:"referenceId"`
}

// IVQueueEntry is a pending initialisation-vector entry.
type IVQueueEntry struct {
	CryptoMessageHash string `json:"cryptoMessageHash"`
	RefMessageHash    string `json:"refMessageHash"`
	InitVector        string `json:"initVector"`
}

// CryptoBuckets holds the five named keystore buckets.
type CryptoBuckets struct {
	BlockchainKeys  []*KeyRecord `json:"blockchainKeys"`
	EcdhPrivateKeys []*KeyRecord `json:"ecdhPrivateKeys"`
	PresharedKeys   []*KeyRecord `json:"presharedKeys"`
	NegotiatedKeys  []*KeyRecord `json:"negotiatedKeys"`
	AuthTokens      []*KeyRecord `json:"authTokens"`
}

// bucketName identifies one of the five crypto buckets by name, used by the
// generic keystore operations in state_keystore.go.
type bucketName string

const (
	BucketBlockchainKeys  bucketName = "blockchainKeys"
	BucketEcdhPrivateKeys bucketName = "ecdhPrivateKeys"
	BucketPresharedKeys   bucketName = "presharedKeys"
	BucketNegotiatedKeys  bucketName = "negotiatedKeys"
	BucketAuthTokens      bucketName = "authTokens"
)

// ChainState holds per-chain node parameters, sync status and the account
// list.
type ChainState struct {
	Parameters map[string]any `json:"parameters"`
	Status     ChainStatus    `json:"status"`
	Accounts   []*Account     `json:"accounts"`
}

// ChainStatus is the per-chain sync status record. Fields beyond the
// named ones round-trip only when carried inside the nested "extra"
// object (Extra); other unknown keys of a status object are dropped when
// decoding.
type ChainStatus struct {
	StartingBlock uint64         `json:"startingBlock"`
	CurrentBlock  uint64         `json:"currentBlock"`
	HighestBlock  uint64         `json:"highestBlock"`
	Peers         int            `json:"peers"`
	Syncing       bool           `json:"syncing"`
	Updated       time.Time      `json:"updated"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Account is a chain account entry. Invariant: no Account may carry a
// raw private-key field at rest; migration.go's migration step lifts any
// plaintext PrivateKey into crypto.blockchainKeys and erases it here.
type Account struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// Originator is an identity known to this node.
type Originator struct {
	Name                   string    `json:"name"`
	Blockchain             string    `json:"blockchain"`
	Address                string    `json:"address"`
	OriginatorPubKey       string    `json:"originatorPubKey"`
	EcdhPublicKey          string    `json:"ecdhPublicKey"`
	URL                    string    `json:"url"`
	AuthTokenID            string    `json:"authTokenId"`
	AuthenticationValid    bool      `json:"authenticationValid"`
	AuthenticationMessages []string  `json:"authenticationMessages"`
	Updated                time.Time `json:"updated"`
}

// HasAddress reports whether o carries a non-empty address.
func (o *Originator) HasAddress() bool { return o.Address != "" }

// HasAuthToken reports whether o carries a non-empty authTokenId.
func (o *Originator) HasAuthToken() bool { return o.AuthTokenID != "" }

// addAuthMessage appends hash to AuthenticationMessages if not already
// present, preserving the "unique entries" invariant.
func (o *Originator) addAuthMessage(hash string) {
	for _, h := range o.AuthenticationMessages {
		if h == hash {
			return
		}
	}
	o.AuthenticationMessages = append(o.AuthenticationMessages, hash)
}

// removeAuthMessage removes hash from AuthenticationMessages, if present,
// and reports whether the list is now empty.
func (o *Originator) removeAuthMessage(hash string) (nowEmpty bool) {
	out := o.AuthenticationMessages[:0]
	for _, h := range o.AuthenticationMessages {
		if h != hash {
			out = append(out, h)
		}
	}
	o.AuthenticationMessages = out
	return len(o.AuthenticationMessages) == 0
}

// dedupeAuthMessages removes duplicate entries in place, used by the
// migration step.
func (o *Originator) dedupeAuthMessages() {
	seen := make(map[string]struct{}, len(o.AuthenticationMessages))
	out := o.AuthenticationMessages[:0]
	for _, h := range o.AuthenticationMessages {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	o.AuthenticationMessages = out
}

// KeyRecord is one entry in a keystore bucket: a 12-byte-hex id and its
// envelope-encrypted secret.
type KeyRecord struct {
	ID     string          `json:"id"`
	Secret EncryptedKeyRec `json:"secret"`
}

// EncryptedKeyRec is the on-disk encrypted-key shape:
// {tag, iv, key} where key is hex ciphertext.
type EncryptedKeyRec struct {
	Tag string `json:"tag"`
	IV  string `json:"iv"`
	Key string `json:"key"`
}

func newEmptyState() *State {
	return &State{
		Blockchains: make(map[string]*ChainState),
		Originators: nil,
		Queue:       Queues{},
		Crypto:      CryptoBuckets{},
	}
}
