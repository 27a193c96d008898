package core

// management.go - the Management Plane: subscribes to
// rxEvent(messageProcessed) and txEvent(messageProcessed), dispatches to
// authentication, IV-queue and ECDH handling, and schedules the 12-second
// after-send auto-responses.

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// autoResponseDelay is the fixed delay between a
// txEvent(messageProcessed) and its auto-generated follow-up.
const autoResponseDelay = 12 * time.Second

// RetrieveFacade is the "given a message reference, return the decoded
// protocol message" collaborator used by IV handling's
// reference-indicator-3 lookup.
type RetrieveFacade interface {
	GetMessage(ctx context.Context, blockchain, referencedHash string) (*WFMessage, error)
}

// Sender is the outbound-transaction collaborator the Management Plane
// uses to commit auto-generated K messages; it is the ChainClient's
// SendRawTransaction narrowed to what this plane needs, kept distinct so a
// test fake doesn't have to implement the full ChainClient surface.
type Sender interface {
	SendRawTransaction(ctx context.Context, blockchain string, raw []byte) (txHash string, err error)
}

// MessageEncoder builds the raw wire bytes for an auto-generated message;
// the inverse of MessageCodec, supplied by the same external codec
// collaborator.
type MessageEncoder interface {
	EncodeMessage(msg *WFMessage) ([]byte, error)
}

// ManagementPlane wires the Authentication Plane, State Store, Retrieve
// facade and outbound collaborators together and reacts to the event bus.
type ManagementPlane struct {
	store    *StateStore
	auth     *AuthPlane
	retrieve RetrieveFacade
	sender   Sender
	encoder  MessageEncoder
	rx       *Bus
	tx       *Bus
	log      *logrus.Logger

	validDomains []string

	// afterDelay schedules the 12s after-send timer; overridable in tests.
	afterDelay func(d time.Duration, fn func())
}

// NewManagementPlane constructs a ManagementPlane and subscribes it to rx
// and tx immediately.
func NewManagementPlane(store *StateStore, auth *AuthPlane, retrieve RetrieveFacade, sender Sender, encoder MessageEncoder, rx, tx *Bus, log *logrus.Logger, validDomains []string) *ManagementPlane {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &ManagementPlane{
		store:        store,
		auth:         auth,
		retrieve:     retrieve,
		sender:       sender,
		encoder:      encoder,
		rx:           rx,
		tx:           tx,
		log:          log,
		validDomains: validDomains,
		afterDelay:   func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
	rx.On(EventMessageReceived, m.handleExtracted)
	rx.On(EventMessageProcessed, m.handleReceived)
	tx.On(EventMessageProcessed, m.handleSent)
	return m
}

// handleExtracted completes the receive pipeline. Messages arriving on
// messageReceived have already been decoded by the Listener's codec, so
// they are re-emitted as messageProcessed for dispatch; the Retrieve
// facade is consulted only for reference lookups, not for this hop.
func (m *ManagementPlane) handleExtracted(_ EventKind, payload any) {
	msg, ok := payload.(*WFMessage)
	if !ok || msg == nil {
		return
	}
	m.rx.Emit(EventMessageProcessed, msg)
}

func (m *ManagementPlane) handleReceived(_ EventKind, payload any) {
	msg, ok := payload.(*WFMessage)
	if !ok || msg == nil {
		return
	}
	ctx := context.Background()
	if err := m.dispatchReceived(ctx, msg); err != nil {
		m.log.WithError(err).WithField("blockchain", msg.Meta.Blockchain).Warn("management: dispatch failed")
	}
}

func (m *ManagementPlane) dispatchReceived(ctx context.Context, msg *WFMessage) error {
	switch {
	case msg.Auth != nil:
		switch msg.Header.ReferenceIndicator {
		case "1", "4":
			if err := m.auth.RemoveAuthentication(msg.Meta.OriginatorAddress, msg.Header.ReferencedMessage); err != nil {
				return err
			}
		default:
			if err := m.auth.VerifyMessage(ctx, msg, m.validDomains); err != nil {
				return err
			}
		}
		m.rx.Emit(EventMessageUpdated, msg)
		return nil

	case msg.Crypto != nil:
		switch msg.Crypto.CryptoDataType {
		case "11", "21":
			return m.receiveInitVector(ctx, msg)
		case "0A":
			return m.receiveECDHPublicKey(msg)
		default:
			return ProcessingError("dispatchReceived", "NotImplemented",
				fmt.Errorf("unhandled cryptoDataType %q", msg.Crypto.CryptoDataType))
		}

	default:
		return nil
	}
}

// receiveInitVector handles an incoming IV crypto message according to
// its reference indicator.
func (m *ManagementPlane) receiveInitVector(ctx context.Context, msg *WFMessage) error {
	switch msg.Header.ReferenceIndicator {
	case "0":
		return nil // stand-alone IV message: no-op
	case "1", "4":
		return m.store.RemoveQueueData(msg.Header.ReferencedMessage)
	case "2":
		entry, err := m.store.GetQueueData(msg.Header.ReferencedMessage)
		if err != nil {
			if kind, ok := KindOf(err); ok && kind == KindProcessing {
				return nil // nothing queued to update
			}
			return err
		}
		entry.InitVector = msg.Crypto.CryptoData
		return m.store.UpsertQueueData(*entry)
	case "3":
		referenced, err := m.retrieve.GetMessage(ctx, msg.Meta.Blockchain, msg.Header.ReferencedMessage)
		if err != nil {
			if kind, ok := KindOf(err); ok && kind == KindProcessing {
				return m.store.UpsertQueueData(IVQueueEntry{
					CryptoMessageHash: msg.Meta.TransactionHash,
					RefMessageHash:    msg.Header.ReferencedMessage,
					InitVector:        msg.Crypto.CryptoData,
				})
			}
			return err
		}
		if referenced.Meta.EncryptionInitVector != "" {
			return nil // already carries an IV: ignore
		}
		referenced.Meta.EncryptionInitVector = msg.Crypto.CryptoData
		m.rx.Emit(EventMessageReceived, referenced)
		return nil
	default:
		return ProcessingError("receiveInitVector", "BadRequest",
			fmt.Errorf("unknown reference indicator %q", msg.Header.ReferenceIndicator))
	}
}

// receiveECDHPublicKey stores or clears originator.ecdhPublicKey, then
// fans out a negotiated shared secret per local account on the
// originator's chain.
func (m *ManagementPlane) receiveECDHPublicKey(msg *WFMessage) error {
	o, err := m.store.GetOriginatorData(msg.Meta.OriginatorAddress)
	if err != nil {
		return err
	}

	switch msg.Header.ReferenceIndicator {
	case "0", "2":
		o.EcdhPublicKey = msg.Crypto.CryptoData
	case "1", "4":
		o.EcdhPublicKey = ""
	default:
		return ProcessingError("receiveECDHPublicKey", "BadRequest",
			fmt.Errorf("unknown reference indicator %q", msg.Header.ReferenceIndicator))
	}
	if err := m.store.SetOriginatorEcdhPublicKey(o.Address, o.EcdhPublicKey); err != nil {
		return err
	}
	if o.EcdhPublicKey == "" || !o.AuthenticationValid {
		return nil
	}
	return m.negotiateSharedSecrets(o)
}

// negotiateSharedSecrets computes, for every local account on o's chain, a
// shared secret with o's stored ecdhPublicKey and stores it under
// negotiatedKeys.
func (m *ManagementPlane) negotiateSharedSecrets(o *Originator) error {
	chain, err := m.store.GetBlockchainData(o.Blockchain)
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == KindProcessing {
			return nil
		}
		return err
	}
	remotePub, err := decodeHexKey(o.EcdhPublicKey)
	if err != nil {
		return StateFatal("negotiateSharedSecrets", err)
	}
	for _, acc := range chain.Accounts {
		ownID := KeyID(o.Blockchain, acc.Address)
		privHex, err := m.store.GetKey(BucketEcdhPrivateKeys, ownID)
		if err != nil {
			continue // no local ECDH key for this account yet
		}
		priv, err := decodeHexKey(privHex)
		if err != nil {
			return StateFatal("negotiateSharedSecrets", err)
		}
		secret, err := ECDHSharedSecret(priv, remotePub)
		zeroise(priv)
		if err != nil {
			return err
		}
		negID := KeyID(o.Blockchain, acc.Address, o.Address)
		if err := m.store.UpsertKey(BucketNegotiatedKeys, negID, fmt.Sprintf("%x", secret)); err != nil {
			return err
		}
	}
	return nil
}

// handleSent schedules the after-send auto-response 12s after a
// txEvent(messageProcessed).
func (m *ManagementPlane) handleSent(_ EventKind, payload any) {
	msg, ok := payload.(*WFMessage)
	if !ok || msg == nil {
		return
	}
	m.afterDelay(autoResponseDelay, func() {
		if err := m.afterSend(context.Background(), msg); err != nil {
			m.log.WithError(err).Warn("management: after-send auto-response failed")
		}
	})
}

func (m *ManagementPlane) afterSend(ctx context.Context, msg *WFMessage) error {
	if (msg.Header.EncryptionIndicator == "1" || msg.Header.EncryptionIndicator == "2") &&
		msg.Meta.EncryptionInitVector != "" {
		return m.commitIVResponse(ctx, msg)
	}
	if msg.Auth != nil && msg.Header.EncryptionIndicator == "0" && msg.Header.DuressIndicator != "1" {
		return m.commitECDHResponse(ctx, msg)
	}
	return nil
}

func (m *ManagementPlane) commitIVResponse(ctx context.Context, msg *WFMessage) error {
	cryptoType := "11"
	if msg.Header.EncryptionIndicator == "2" {
		cryptoType = "21"
	}
	out := &WFMessage{
		Header: MessageHeader{
			Prefix:              "WF",
			EncryptionIndicator: "0",
			ReferenceIndicator:  "3",
			ReferencedMessage:   msg.Meta.TransactionHash,
		},
		Crypto: &CryptoBody{CryptoDataType: cryptoType, CryptoData: msg.Meta.EncryptionInitVector},
		Meta:   MetaHeader{Blockchain: msg.Meta.Blockchain},
	}
	return m.commit(ctx, out)
}

func (m *ManagementPlane) commitECDHResponse(ctx context.Context, msg *WFMessage) error {
	var pub []byte
	var ref string
	rekeyed := false

	switch msg.Header.ReferenceIndicator {
	case "0":
		id := KeyID(msg.Meta.Blockchain, msg.Meta.OriginatorAddress)
		privHex, err := m.store.GetKey(BucketEcdhPrivateKeys, id)
		if err != nil {
			return err
		}
		priv, err := decodeHexKey(privHex)
		if err != nil {
			return err
		}
		pubBytes, err := DerivePublicKey(priv)
		zeroise(priv)
		if err != nil {
			return err
		}
		pub = pubBytes
		ref = "0"
	case "2":
		priv, pubBytes, err := GenerateECDHKeyPair()
		if err != nil {
			return err
		}
		id := KeyID(msg.Meta.Blockchain, msg.Meta.OriginatorAddress)
		if err := m.store.UpsertKey(BucketEcdhPrivateKeys, id, fmt.Sprintf("%x", priv)); err != nil {
			zeroise(priv)
			return err
		}
		zeroise(priv)
		pub = pubBytes
		ref = "0"
		rekeyed = true
	default:
		return nil
	}

	out := &WFMessage{
		Header: MessageHeader{
			Prefix:              "WF",
			EncryptionIndicator: "0",
			ReferenceIndicator:  ref,
			ReferencedMessage:   msg.Meta.TransactionHash,
		},
		Crypto: &CryptoBody{CryptoDataType: "0A", CryptoData: fmt.Sprintf("%x", pub)},
		Meta:   MetaHeader{Blockchain: msg.Meta.Blockchain, OriginatorAddress: msg.Meta.OriginatorAddress},
	}
	if err := m.commit(ctx, out); err != nil {
		return err
	}
	if !rekeyed {
		return nil
	}
	return m.refreshSharedSecretsAfterRekey(msg.Meta.Blockchain)
}

// refreshSharedSecretsAfterRekey recomputes shared secrets for every
// originator on chain that already has a stored ecdhPublicKey, after this
// node generates a fresh key pair.
func (m *ManagementPlane) refreshSharedSecretsAfterRekey(chain string) error {
	for _, o := range m.store.GetOriginators() {
		if o.Blockchain != chain || o.EcdhPublicKey == "" {
			continue
		}
		if err := m.negotiateSharedSecrets(o); err != nil {
			return err
		}
	}
	return nil
}

func (m *ManagementPlane) commit(ctx context.Context, msg *WFMessage) error {
	raw, err := m.encoder.EncodeMessage(msg)
	if err != nil {
		return err
	}
	txHash, err := m.sender.SendRawTransaction(ctx, msg.Meta.Blockchain, raw)
	if err != nil {
		return err
	}
	msg.Meta.TransactionHash = txHash
	m.tx.Emit(EventMessageCommitted, msg)
	return nil
}
