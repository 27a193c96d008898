package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
)

type fakeURLFetcher struct {
	body []byte
	err  error
}

func (f *fakeURLFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return f.body, f.err
}

func signedJWSBody(t *testing.T, priv []byte, payload signedAuthPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	jws, err := CreateJWS(priv, raw)
	if err != nil {
		t.Fatalf("CreateJWS: %v", err)
	}
	body, err := json.Marshal(jws)
	if err != nil {
		t.Fatalf("marshal jws: %v", err)
	}
	return body
}

//-------------------------------------------------------------
// Method 1: URL-published JWS
//-------------------------------------------------------------

func TestVerifyMessageMethod1Success(t *testing.T) {
	s, _ := newTestStore(t)
	priv, pub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}

	body := signedJWSBody(t, priv, signedAuthPayload{
		Addr:    "0xORIG1",
		OrgName: "Relief Org",
		URL:     "https://auth.example.org/a.json",
	})
	fetcher := &fakeURLFetcher{body: body}
	plane := NewAuthPlane(s, fetcher)

	msg := &WFMessage{
		Meta: MetaHeader{Blockchain: "bitcoin", OriginatorAddress: "0xORIG1", OriginatorPubKey: hex.EncodeToString(pub), TransactionHash: "0xtx1"},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "1", VerificationData: "https://auth.example.org/a.json"},
	}
	if err := plane.VerifyMessage(context.Background(), msg, []string{"auth.example.org"}); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}

	o, err := s.GetOriginatorData("0xORIG1")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if !o.AuthenticationValid {
		t.Fatalf("expected authenticationValid = true")
	}
	if o.Name != "Relief Org" {
		t.Fatalf("expected name Relief Org, got %q", o.Name)
	}
	if len(o.AuthenticationMessages) != 1 || o.AuthenticationMessages[0] != "0xtx1" {
		t.Fatalf("expected tx hash recorded for reference indicator 0, got %v", o.AuthenticationMessages)
	}
}

func TestVerifyMessageMethod1RejectsDisallowedDomain(t *testing.T) {
	s, _ := newTestStore(t)
	plane := NewAuthPlane(s, &fakeURLFetcher{})

	msg := &WFMessage{
		Meta:   MetaHeader{OriginatorAddress: "0xORIG2"},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "1", VerificationData: "https://evil.example.com/a.json"},
	}
	err := plane.VerifyMessage(context.Background(), msg, []string{"auth.example.org"})
	if err == nil {
		t.Fatalf("expected rejection for disallowed domain")
	}

	o, getErr := s.GetOriginatorData("0xORIG2")
	if getErr != nil {
		t.Fatalf("GetOriginatorData: %v", getErr)
	}
	if o.AuthenticationValid {
		t.Fatalf("expected authenticationValid = false after rejection")
	}
}

func TestVerifyMessageMethod1RejectsAddressMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	priv, pub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	body := signedJWSBody(t, priv, signedAuthPayload{Addr: "0xDIFFERENT", OrgName: "Org", URL: "https://auth.example.org/a.json"})
	plane := NewAuthPlane(s, &fakeURLFetcher{body: body})

	msg := &WFMessage{
		Meta:   MetaHeader{OriginatorAddress: "0xORIG3", OriginatorPubKey: hex.EncodeToString(pub)},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "1", VerificationData: "https://auth.example.org/a.json"},
	}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err == nil {
		t.Fatalf("expected rejection for addr mismatch")
	}
}

func TestVerifyMessageMethod1KeyDerivedAddressAccepted(t *testing.T) {
	s, _ := newTestStore(t)
	priv, pub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	address, err := RecoverAddress(pub)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}

	body := signedJWSBody(t, priv, signedAuthPayload{
		Addr:    address,
		OrgName: "Relief Org",
		URL:     "https://auth.example.org/a.json",
	})
	plane := NewAuthPlane(s, &fakeURLFetcher{body: body})

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "ethereum", OriginatorAddress: address, OriginatorPubKey: hex.EncodeToString(pub), TransactionHash: "0xtxE"},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "1", VerificationData: "https://auth.example.org/a.json"},
	}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
	o, err := s.GetOriginatorData(address)
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if !o.AuthenticationValid {
		t.Fatalf("expected key-derived address to authenticate")
	}
}

func TestVerifyMessageMethod1RejectsForeignKeyForHexAddress(t *testing.T) {
	s, _ := newTestStore(t)
	priv, pub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	_, otherPub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	// An address derived from a different key: the signature verifies, but
	// the key-to-address cross-check must fail.
	address, err := RecoverAddress(otherPub)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}

	body := signedJWSBody(t, priv, signedAuthPayload{
		Addr:    address,
		OrgName: "Relief Org",
		URL:     "https://auth.example.org/a.json",
	})
	plane := NewAuthPlane(s, &fakeURLFetcher{body: body})

	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "ethereum", OriginatorAddress: address, OriginatorPubKey: hex.EncodeToString(pub)},
		Header: MessageHeader{ReferenceIndicator: "0"},
		Auth:   &AuthBody{VerificationMethod: "1", VerificationData: "https://auth.example.org/a.json"},
	}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err == nil {
		t.Fatalf("expected rejection when the signing key does not derive the address")
	}
	o, err := s.GetOriginatorData(address)
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if o.AuthenticationValid {
		t.Fatalf("expected originator marked invalid")
	}
}

//-------------------------------------------------------------
// Method 2: shared token
//-------------------------------------------------------------

func TestVerifyMessageMethod2Success(t *testing.T) {
	s, _ := newTestStore(t)
	secretHex := "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
	id := KeyID("bitcoin", secretHex)
	if err := s.UpsertKey(BucketAuthTokens, id, secretHex); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}

	secretRaw, err := hex.DecodeString(secretHex)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	token, err := GenerateToken(secretRaw, []byte("0xORIG4"))
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	plane := NewAuthPlane(s, &fakeURLFetcher{})
	msg := &WFMessage{
		Meta:   MetaHeader{Blockchain: "bitcoin", OriginatorAddress: "0xORIG4"},
		Header: MessageHeader{ReferenceIndicator: "1"},
		Auth:   &AuthBody{VerificationMethod: "2", VerificationData: token},
	}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
	o, err := s.GetOriginatorData("0xORIG4")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if !o.AuthenticationValid || o.AuthTokenID != id {
		t.Fatalf("expected valid authentication bound to token %q, got %+v", id, o)
	}
}

func TestVerifyMessageMethod2UnknownTokenFails(t *testing.T) {
	s, _ := newTestStore(t)
	plane := NewAuthPlane(s, &fakeURLFetcher{})
	msg := &WFMessage{
		Meta:   MetaHeader{OriginatorAddress: "0xORIG5"},
		Header: MessageHeader{ReferenceIndicator: "1"},
		Auth:   &AuthBody{VerificationMethod: "2", VerificationData: "deadbeef"},
	}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err == nil {
		t.Fatalf("expected rejection for unknown token")
	}
}

func TestVerifyMessageUnknownMethodIsProtocolError(t *testing.T) {
	s, _ := newTestStore(t)
	plane := NewAuthPlane(s, &fakeURLFetcher{})
	msg := &WFMessage{Meta: MetaHeader{OriginatorAddress: "0xORIG6"}, Auth: &AuthBody{VerificationMethod: "9"}}
	if err := plane.VerifyMessage(context.Background(), msg, nil); err == nil {
		t.Fatalf("expected error for unsupported verification method")
	}
}

//-------------------------------------------------------------
// RemoveAuthentication
//-------------------------------------------------------------

func TestRemoveAuthenticationClearsValidityWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpsertOriginatorData(&Originator{
		Address:                "0xORIG7",
		AuthenticationValid:    true,
		AuthenticationMessages: []string{"0xtxA"},
	}); err != nil {
		t.Fatalf("UpsertOriginatorData: %v", err)
	}
	plane := NewAuthPlane(s, &fakeURLFetcher{})
	if err := plane.RemoveAuthentication("0xORIG7", "0xtxA"); err != nil {
		t.Fatalf("RemoveAuthentication: %v", err)
	}
	o, err := s.GetOriginatorData("0xORIG7")
	if err != nil {
		t.Fatalf("GetOriginatorData: %v", err)
	}
	if o.AuthenticationValid {
		t.Fatalf("expected authenticationValid = false once message list is empty")
	}
	if len(o.AuthenticationMessages) != 0 {
		t.Fatalf("expected empty message list, got %v", o.AuthenticationMessages)
	}
}

//-------------------------------------------------------------
// CreateSignature
//-------------------------------------------------------------

func TestCreateSignatureProducesVerifiableJWS(t *testing.T) {
	s, _ := newTestStore(t)
	priv, pub, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	id := KeyID("bitcoin", "0xOWN1")
	if err := s.UpsertKey(BucketBlockchainKeys, id, hex.EncodeToString(priv)); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}

	plane := NewAuthPlane(s, &fakeURLFetcher{})
	jws, payload, err := plane.CreateSignature("0xOWN1", "bitcoin", map[string]any{
		"addr": "0xOWN1", "orgname": "Relief Org", "url": "https://auth.example.org/a.json",
	})
	if err != nil {
		t.Fatalf("CreateSignature: %v", err)
	}
	if payload["addr"] != "0xOWN1" {
		t.Fatalf("expected echoed payload, got %v", payload)
	}
	if _, err := VerifySignature(pub, jws); err != nil {
		t.Fatalf("VerifySignature on produced JWS: %v", err)
	}
}

func TestCreateSignatureRejectsAddressMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	plane := NewAuthPlane(s, &fakeURLFetcher{})
	_, _, err := plane.CreateSignature("0xOWN2", "bitcoin", map[string]any{
		"addr": "0xSOMEONE-ELSE", "orgname": "Org", "url": "https://x",
	})
	if err == nil {
		t.Fatalf("expected error for addr mismatch")
	}
}
