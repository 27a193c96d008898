package core

// listener_collaborators.go - external collaborator contracts the Block
// Listener depends on: chain RPC access and protocol message extraction.
// Both are supplied by the caller; the Listener depends on a narrow
// client interface rather than a concrete RPC type.

import (
	"context"
	"time"
)

// ChainBlock is the minimal block shape the Listener needs: its number,
// timestamp (if the chain exposes one at block level) and the list of
// candidate elements (transactions or extrinsics) to feed to a MessageCodec.
type ChainBlock struct {
	Number    uint64
	Timestamp time.Time
	Elements  []ChainElement
}

// ChainElement is one transaction or extrinsic within a block, opaque to
// the Listener beyond what MessageCodec needs to extract a message from it.
type ChainElement struct {
	Hash string
	Raw  []byte
}

// ChainClient is the chain RPC collaborator: getHighestBlock,
// getBlockByNumber, sendRawTransaction, getRawTransaction. It has no
// getEvents method. Implementations are chain-specific and outside this
// core's scope.
type ChainClient interface {
	GetHighestBlock(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*ChainBlock, error)
	SendRawTransaction(ctx context.Context, raw []byte) (txHash string, err error)
	GetRawTransaction(ctx context.Context, hash string) ([]byte, error)
}

// MessageCodec is the protocol codec collaborator: a pure function
// from (element, blockNumber, timestamp) to a decoded Whiteflag message, or
// ErrNoData when the element carries no protocol message. Decode failures
// other than "no message present" must be returned as-is; the Listener
// classifies them.
type MessageCodec interface {
	ExtractMessage(element ChainElement, blockNumber uint64, timestamp time.Time) (*WFMessage, error)
}

// MetaHeader carries transport-level metadata the Listener and Management
// Plane attach to a decoded message.
type MetaHeader struct {
	Blockchain           string
	TransactionHash      string
	BlockNumber          uint64
	BlockTimestamp       time.Time
	OriginatorAddress    string
	OriginatorPubKey     string
	EncryptionInitVector string
}

// MessageHeader is the fixed prefix/version/indicator/code/reference
// portion common to every Whiteflag message (glossary).
type MessageHeader struct {
	Prefix              string
	Version             string
	EncryptionIndicator string
	DuressIndicator     string
	MessageCode         string
	ReferenceIndicator  string
	ReferencedMessage   string
}

// WFMessage is a decoded protocol message: shared headers plus a
// type-dependent body. Auth and Crypto are nil for message types the
// core planes do not act on.
type WFMessage struct {
	Meta   MetaHeader
	Header MessageHeader
	Auth   *AuthBody
	Crypto *CryptoBody
}

// AuthBody is the body of an 'A' (authentication) message.
type AuthBody struct {
	VerificationMethod string
	VerificationData   string
}

// CryptoBody is the body of a 'K' (crypto) message. CryptoDataType
// "11"/"21" carry an initialisation vector for encryption type 1/2; "0A"
// carries an ECDH public key.
type CryptoBody struct {
	CryptoDataType string
	CryptoData     string
}
