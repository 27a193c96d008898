package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

type fakeRetrieve struct {
	messages map[string]*WFMessage
}

func (f *fakeRetrieve) GetMessage(ctx context.Context, blockchain, referencedHash string) (*WFMessage, error) {
	msg, ok := f.messages[referencedHash]
	if !ok {
		return nil, ProcessingError("GetMessage", "NoResource", fmt.Errorf("unknown reference %q", referencedHash))
	}
	return msg, nil
}

type fakeSender struct {
	sent []string
	next string
}

func (f *fakeSender) SendRawTransaction(ctx context.Context, blockchain string, raw []byte) (string, error) {
	f.sent = append(f.sent, string(raw))
	if f.next != "" {
		return f.next, nil
	}
	return "0xcommitted", nil
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeMessage(msg *WFMessage) ([]byte, error) {
	return []byte(fmt.Sprintf("%s:%s", msg.Header.Prefix, msg.Header.ReferenceIndicator)), nil
}

func newTestManagementPlane(t *testing.T, retrieve RetrieveFacade, sender Sender) (*ManagementPlane, *StateStore, *Bus, *Bus) {
	t.Helper()
	s, _ := newTestStore(t)
	auth := NewAuthPlane(s, &fakeURLFetcher{})
	rx := NewBus()
	tx := NewBus()
	m := NewManagementPlane(s, auth, retrieve, sender, fakeEncoder{}, rx, tx, nil, nil)
	m.afterDelay = func(d time.Duration, fn func()) { fn() } // run synchronously in tests
	return m, s, rx, tx
}

//-------------------------------------------------------------
// Listener -> Management pipeline
//-------------------------------------------------------------

// authMessageCodec decodes every element into a shared-token
// authentication message for address, simulating a chain that carries
// exactly one A-type message per transaction.
type authMessageCodec struct {
	address string
	token   string
}

func (c *authMessageCodec) ExtractMessage(el ChainElement, blockNumber uint64, timestamp time.Time) (*WFMessage, error) {
	return &WFMessage{
		Meta:   MetaHeader{OriginatorAddress: c.address},
		Header: MessageHeader{Prefix: "WF", ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "2", VerificationData: c.token},
	}, nil
}

func TestListenerExtractedMessageReachesManagement(t *testing.T) {
	_, s, rx, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})

	secretHex := "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
	id := KeyID("bitcoin", secretHex)
	if err := s.UpsertKey(BucketAuthTokens, id, secretHex); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	secretRaw, _ := hex.DecodeString(secretHex)
	token, err := GenerateToken(secretRaw, []byte("0xLISTENED"))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	client := &fakeChainClient{highest: 10, failNumbers: map[uint64]int{}}
	codec := &authMessageCodec{address: "0xLISTENED", token: token}
	l := NewListener(ListenerConfig{Blockchain: "bitcoin", BatchSize: 2}, client, codec, rx, nil, 0)

	// No hand-emitted events: the listener's messageReceived emission must
	// travel through the bus into the Management Plane's dispatch.
	if err := l.processBlock(context.Background(), 7); err != nil {
		t.Fatalf("processBlock: %v", err)
	}

	o, err := s.GetOriginatorData("0xLISTENED")
	if err != nil {
		t.Fatalf("expected originator upserted by management dispatch: %v", err)
	}
	if !o.AuthenticationValid || o.AuthTokenID != id {
		t.Fatalf("expected authenticated originator bound to token %q, got %+v", id, o)
	}
	if len(o.AuthenticationMessages) != 1 || o.AuthenticationMessages[0] != "0xhash7" {
		t.Fatalf("expected the block's tx hash recorded, got %v", o.AuthenticationMessages)
	}
}

//-------------------------------------------------------------
// Auth dispatch
//-------------------------------------------------------------

func TestDispatchReceivedAuthMessageVerifies(t *testing.T) {
	m, s, rx, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	secretHex := "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
	id := KeyID("bitcoin", secretHex)
	if err := s.UpsertKey(BucketAuthTokens, id, secretHex); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	secretRaw, _ := hex.DecodeString(secretHex)
	token, err := GenerateToken(secretRaw, []byte("0xORIGA"))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var updated bool
	rx.On(EventMessageUpdated, func(EventKind, any) { updated = true })

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", OriginatorAddress: "0xORIGA", TransactionHash: "0xtxA1"},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "2", VerificationData: token},
	}
	if err := m.dispatchReceived(context.Background(), msg); err != nil {
		t.Fatalf("dispatchReceived: %v", err)
	}
	if !updated {
		t.Fatalf("expected messageUpdated to be re-emitted")
	}
	o, err := s.GetOriginatorData("0xORIGA")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if !o.AuthenticationValid {
		t.Fatalf("expected authentication to succeed")
	}
}

func TestDispatchReceivedAuthRemoveReferenceIndicator(t *testing.T) {
	m, s, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	if err := s.UpsertOriginatorData(&Originator{
		Address:                "0xORIGB",
		AuthenticationValid:    true,
		AuthenticationMessages: []string{"0xtxOld"},
	}); err != nil {
		t.Fatalf("UpsertOriginatorData: %v", err)
	}
	msg := &WFMessage{
		Meta:   MetaHeader{OriginatorAddress: "0xORIGB"},
		Header: MessageHeader{ReferenceIndicator: "1", ReferencedMessage: "0xtxOld"},
		Auth:   &AuthBody{VerificationMethod: "1"},
	}
	if err := m.dispatchReceived(context.Background(), msg); err != nil {
		t.Fatalf("dispatchReceived: %v", err)
	}
	o, err := s.GetOriginatorData("0xORIGB")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if o.AuthenticationValid {
		t.Fatalf("expected authentication cleared after removal")
	}
}

//-------------------------------------------------------------
// IV reference-indicator table
//-------------------------------------------------------------

func TestReceiveInitVectorStandalone(t *testing.T) {
	m, _, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	msg := &WFMessage{Header: MessageHeader{ReferenceIndicator: "0"}, Crypto: &CryptoBody{CryptoDataType: "11"}}
	if err := m.receiveInitVector(context.Background(), msg); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestReceiveInitVectorRemovesQueueEntry(t *testing.T) {
	m, s, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	if err := s.UpsertQueueData(IVQueueEntry{CryptoMessageHash: "0xref1", InitVector: "aabb"}); err != nil {
		t.Fatalf("UpsertQueueData: %v", err)
	}
	msg := &WFMessage{Header: MessageHeader{ReferenceIndicator: "1", ReferencedMessage: "0xref1"}, Crypto: &CryptoBody{CryptoDataType: "11"}}
	if err := m.receiveInitVector(context.Background(), msg); err != nil {
		t.Fatalf("receiveInitVector: %v", err)
	}
	if _, err := s.GetQueueData("0xref1"); err == nil {
		t.Fatalf("expected queue entry removed")
	}
}

func TestReceiveInitVectorUpdateNoopWhenAbsent(t *testing.T) {
	m, _, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	msg := &WFMessage{Header: MessageHeader{ReferenceIndicator: "2", ReferencedMessage: "0xnotqueued"}, Crypto: &CryptoBody{CryptoDataType: "11"}}
	if err := m.receiveInitVector(context.Background(), msg); err != nil {
		t.Fatalf("expected no-op for absent queue entry, got %v", err)
	}
}

func TestReceiveInitVectorReferenceIndicator3FoundSetsIVAndReemits(t *testing.T) {
	referenced := &WFMessage{Meta: MetaHeader{TransactionHash: "0xreferenced"}}
	m, _, rx, _ := newTestManagementPlane(t, &fakeRetrieve{messages: map[string]*WFMessage{"0xreferenced": referenced}}, &fakeSender{})

	var reemitted *WFMessage
	rx.On(EventMessageReceived, func(_ EventKind, payload any) { reemitted = payload.(*WFMessage) })

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin"},
		Header: MessageHeader{ReferenceIndicator: "3", ReferencedMessage: "0xreferenced"},
		Crypto: &CryptoBody{CryptoDataType: "11", CryptoData: "ccdd"},
	}
	if err := m.receiveInitVector(context.Background(), msg); err != nil {
		t.Fatalf("receiveInitVector: %v", err)
	}
	if reemitted == nil || reemitted.Meta.EncryptionInitVector != "ccdd" {
		t.Fatalf("expected referenced message re-emitted with IV set, got %+v", reemitted)
	}
}

func TestReceiveInitVectorReferenceIndicator3NotFoundEnqueues(t *testing.T) {
	m, s, _, _ := newTestManagementPlane(t, &fakeRetrieve{messages: map[string]*WFMessage{}}, &fakeSender{})
	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", TransactionHash: "0xthisone"},
		Header: MessageHeader{ReferenceIndicator: "3", ReferencedMessage: "0xmissing"},
		Crypto: &CryptoBody{CryptoDataType: "11", CryptoData: "eeff"},
	}
	if err := m.receiveInitVector(context.Background(), msg); err != nil {
		t.Fatalf("receiveInitVector: %v", err)
	}
	entry, err := s.GetQueueData("0xthisone")
	if err != nil {
		t.Fatalf("expected entry enqueued: %v", err)
	}
	if entry.InitVector != "eeff" {
		t.Fatalf("expected queued init vector eeff, got %q", entry.InitVector)
	}
}

//-------------------------------------------------------------
// ECDH public key handling
//-------------------------------------------------------------

func TestReceiveECDHPublicKeyStoresAndNegotiates(t *testing.T) {
	m, s, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})

	ownPriv, _, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	_, remotePub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}

	if err := s.UpdateBlockchainData("bitcoin", &ChainState{Accounts: []*Account{{Address: "0xOWN"}}}); err != nil {
		t.Fatalf("UpdateBlockchainData: %v", err)
	}
	if err := s.UpsertKey(BucketEcdhPrivateKeys, KeyID("bitcoin", "0xOWN"), hex.EncodeToString(ownPriv)); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	if err := s.UpsertOriginatorData(&Originator{
		Address:             "0xREMOTE",
		Blockchain:          "bitcoin",
		AuthenticationValid: true,
	}); err != nil {
		t.Fatalf("UpsertOriginatorData: %v", err)
	}

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", OriginatorAddress: "0xREMOTE"},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Crypto: &CryptoBody{CryptoDataType: "0A", CryptoData: hex.EncodeToString(remotePub)},
	}
	if err := m.receiveECDHPublicKey(msg); err != nil {
		t.Fatalf("receiveECDHPublicKey: %v", err)
	}

	negID := KeyID("bitcoin", "0xOWN", "0xREMOTE")
	if _, err := s.GetKey(BucketNegotiatedKeys, negID); err != nil {
		t.Fatalf("expected negotiated secret stored: %v", err)
	}
}

func TestReceiveECDHPublicKeyClearOnRemoveIndicator(t *testing.T) {
	m, s, _, _ := newTestManagementPlane(t, &fakeRetrieve{}, &fakeSender{})
	if err := s.UpsertOriginatorData(&Originator{Address: "0xREMOTE2", Blockchain: "bitcoin", EcdhPublicKey: "aabb"}); err != nil {
		t.Fatalf("UpsertOriginatorData: %v", err)
	}
	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", OriginatorAddress: "0xREMOTE2"},
		Header: MessageHeader{ReferenceIndicator: "1"},
		Crypto: &CryptoBody{CryptoDataType: "0A"},
	}
	if err := m.receiveECDHPublicKey(msg); err != nil {
		t.Fatalf("receiveECDHPublicKey: %v", err)
	}
	o, err := s.GetOriginatorData("0xREMOTE2")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if o.EcdhPublicKey != "" {
		t.Fatalf("expected ecdhPublicKey cleared, got %q", o.EcdhPublicKey)
	}
}

//-------------------------------------------------------------
// After-send auto-response
//-------------------------------------------------------------

func TestAfterSendCommitsIVResponseWhenEncryptedWithIV(t *testing.T) {
	sender := &fakeSender{}
	_, _, _, tx := newTestManagementPlane(t, &fakeRetrieve{}, sender)

	var committed *WFMessage
	tx.On(EventMessageCommitted, func(_ EventKind, payload any) { committed = payload.(*WFMessage) })

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", TransactionHash: "0xsenttx", EncryptionInitVector: "aabbcc"},
		Header: MessageHeader{EncryptionIndicator: "1"},
	}
	tx.Emit(EventMessageProcessed, msg)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one auto-response committed, got %d", len(sender.sent))
	}
	if committed == nil || committed.Crypto.CryptoDataType != "11" {
		t.Fatalf("expected committed IV response with cryptoDataType 11, got %+v", committed)
	}
}

func TestAfterSendNoopWhenUnencryptedAndNoAuth(t *testing.T) {
	sender := &fakeSender{}
	_, _, _, tx := newTestManagementPlane(t, &fakeRetrieve{}, sender)

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", TransactionHash: "0xsenttx2"},
		Header: MessageHeader{EncryptionIndicator: "0", DuressIndicator: "1"},
	}
	tx.Emit(EventMessageProcessed, msg)
	if len(sender.sent) != 0 {
		t.Fatalf("expected no auto-response under duress, got %d sent", len(sender.sent))
	}
}
