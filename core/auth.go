package core

// auth.go - the Authentication Plane: verifies or removes an
// originator's authentication on an 'A'-type message, and produces
// signatures for outgoing authentication messages. Verification fetches
// an externally published document, asserts the claimed identity fields
// match, and upserts a verified originator record only on full success.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// URLFetcher is the HTTP collaborator used by method-1 verification to GET
// a VerificationData URL. Kept as a narrow interface so tests can supply a
// fake without spinning up a listener.
type URLFetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPURLFetcher is the default URLFetcher, restricted to HTTP/HTTPS.
type HTTPURLFetcher struct {
	Client *http.Client
}

func (f *HTTPURLFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Transient("URLFetcher.Get", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient("URLFetcher.Get", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("URLFetcher.Get", err)
	}
	if resp.StatusCode >= 400 {
		return nil, Transient("URLFetcher.Get", fmt.Errorf("http status %d", resp.StatusCode))
	}
	return body, nil
}

// AuthPlane coordinates the Authentication Plane against a StateStore and
// chain signature collaborator.
type AuthPlane struct {
	store   *StateStore
	fetcher URLFetcher
}

// NewAuthPlane constructs an AuthPlane. fetcher may be nil to use the
// default HTTP fetcher.
func NewAuthPlane(store *StateStore, fetcher URLFetcher) *AuthPlane {
	if fetcher == nil {
		fetcher = &HTTPURLFetcher{}
	}
	return &AuthPlane{store: store, fetcher: fetcher}
}

// signedAuthPayload is the JSON shape a method-1 JWS payload must carry:
// addr, orgname and url.
type signedAuthPayload struct {
	Addr    string `json:"addr"`
	OrgName string `json:"orgname"`
	URL     string `json:"url"`
}

// VerifyMessage dispatches on msg.Auth.VerificationMethod. msg.Meta
// must already carry Blockchain, OriginatorAddress and OriginatorPubKey.
func (p *AuthPlane) VerifyMessage(ctx context.Context, msg *WFMessage, validDomains []string) error {
	if msg.Auth == nil {
		return ProcessingError("VerifyMessage", "BadRequest", fmt.Errorf("message carries no auth body"))
	}
	switch msg.Auth.VerificationMethod {
	case "1":
		return p.verifyMethod1(ctx, msg, validDomains)
	case "2":
		return p.verifyMethod2(ctx, msg)
	default:
		return ProtocolError("VerifyMessage", "WF_AUTH_ERROR",
			fmt.Errorf("unknown verification method %q", msg.Auth.VerificationMethod))
	}
}

func (p *AuthPlane) verifyMethod1(ctx context.Context, msg *WFMessage, validDomains []string) error {
	rawURL := msg.Auth.VerificationData
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", fmt.Errorf("invalid url: %w", err)))
	}

	if len(validDomains) > 0 && !domainAllowed(parsed.Host, validDomains) {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR",
			fmt.Errorf("host %q not in validDomains", parsed.Host)))
	}

	body, err := p.fetcher.Get(ctx, rawURL)
	if err != nil {
		return err
	}

	var jws FlattenedJWS
	if err := json.Unmarshal(body, &jws); err != nil {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", fmt.Errorf("malformed jws: %w", err)))
	}

	pub, err := hex.DecodeString(msg.Meta.OriginatorPubKey)
	if err != nil {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", fmt.Errorf("malformed originator pubkey: %w", err)))
	}
	payloadRaw, err := VerifySignature(pub, jws)
	if err != nil {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", err))
	}

	var payload signedAuthPayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", fmt.Errorf("malformed payload: %w", err)))
	}

	var causes []error
	if !strings.EqualFold(payload.Addr, msg.Meta.OriginatorAddress) {
		causes = append(causes, fmt.Errorf("signedPayload.addr %q != originator address %q", payload.Addr, msg.Meta.OriginatorAddress))
	}
	if payload.URL != msg.Auth.VerificationData {
		causes = append(causes, fmt.Errorf("signedPayload.url %q != VerificationData %q", payload.URL, msg.Auth.VerificationData))
	}
	// On chains with keccak-derived hex addresses, the signing key itself
	// must derive the claimed originator address; other address schemes
	// cannot be cross-checked here and rely on the assertions above.
	if isNativeHexAddress(msg.Meta.OriginatorAddress) {
		derived, derr := RecoverAddress(pub)
		if derr != nil || !strings.EqualFold(derived, msg.Meta.OriginatorAddress) {
			causes = append(causes, fmt.Errorf("public key does not derive originator address %q", msg.Meta.OriginatorAddress))
		}
	}
	if len(causes) > 0 {
		return p.markInvalid(msg, ProtocolError("verifyMethod1", "WF_AUTH_ERROR", causes...))
	}

	originator := &Originator{
		Name:                payload.OrgName,
		Blockchain:          msg.Meta.Blockchain,
		Address:             msg.Meta.OriginatorAddress,
		OriginatorPubKey:    msg.Meta.OriginatorPubKey,
		URL:                 payload.URL,
		AuthenticationValid: true,
	}
	if msg.Header.ReferenceIndicator == "0" {
		originator.AuthenticationMessages = []string{msg.Meta.TransactionHash}
	}
	return p.store.UpsertOriginatorData(originator)
}

func (p *AuthPlane) verifyMethod2(ctx context.Context, msg *WFMessage) error {
	binAddr := []byte(msg.Meta.OriginatorAddress)
	ids, err := p.store.GetKeyIDs(BucketAuthTokens)
	if err != nil {
		return err
	}
	for _, id := range ids {
		secretHex, err := p.store.GetKey(BucketAuthTokens, id)
		if err != nil {
			continue
		}
		// Token secrets are stored as hex; a secret that does not decode
		// is treated as literal bytes so operator-uploaded tokens still
		// match.
		secret, derr := hex.DecodeString(secretHex)
		if derr != nil {
			secret = []byte(secretHex)
		}
		candidate, err := GenerateToken(secret, binAddr)
		zeroise(secret)
		if err != nil {
			continue
		}
		if !strings.EqualFold(candidate, msg.Auth.VerificationData) {
			continue
		}

		name := "(unknown)"
		if existing, err := p.store.GetOriginatorAuthToken(id); err == nil && existing.Name != "" {
			name = existing.Name
		}
		originator := &Originator{
			Name:                name,
			Blockchain:          msg.Meta.Blockchain,
			Address:             msg.Meta.OriginatorAddress,
			OriginatorPubKey:    msg.Meta.OriginatorPubKey,
			AuthTokenID:         id,
			AuthenticationValid: true,
		}
		if msg.Header.ReferenceIndicator == "0" {
			originator.AuthenticationMessages = []string{msg.Meta.TransactionHash}
		}
		return p.store.UpsertOriginatorData(originator)
	}
	return p.markInvalid(msg, ProtocolError("verifyMethod2", "WF_AUTH_ERROR",
		fmt.Errorf("unknown originator authentication token")))
}

// markInvalid upserts the originator with authenticationValid=false (best
// effort: an upsert error, such as a message without an originator
// address, is discarded) and returns the original error so the caller can
// still report it.
func (p *AuthPlane) markInvalid(msg *WFMessage, cause error) error {
	_ = p.store.UpsertOriginatorData(&Originator{
		Blockchain:          msg.Meta.Blockchain,
		Address:             msg.Meta.OriginatorAddress,
		AuthenticationValid: false,
	})
	return cause
}

// isNativeHexAddress reports whether s is a 0x-prefixed 20-byte hex
// address, the form RecoverAddress derives from a public key.
func isNativeHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

func domainAllowed(host string, validDomains []string) bool {
	for _, d := range validDomains {
		if strings.EqualFold(host, d) {
			return true
		}
	}
	return false
}

// RemoveAuthentication handles reference indicators 1 (recall) and 4
// (discontinue) against an originator's authenticationMessages.
func (p *AuthPlane) RemoveAuthentication(address, referencedMessageHash string) error {
	return p.store.RemoveOriginatorAuthMessage(address, referencedMessageHash)
}

// CreateSignature produces a flattened JWS for an outgoing authentication
// message. signPayload must already carry orgname/url; addr and address
// must match.
func (p *AuthPlane) CreateSignature(address, blockchain string, signPayload map[string]any) (FlattenedJWS, map[string]any, error) {
	addr, _ := signPayload["addr"].(string)
	if addr == "" || !strings.EqualFold(addr, address) {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR",
			fmt.Errorf("signPayload.addr %q does not match address %q", addr, address))
	}
	if orgname, _ := signPayload["orgname"].(string); orgname == "" {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", fmt.Errorf("signPayload.orgname is required"))
	}
	if urlField, _ := signPayload["url"].(string); urlField == "" {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", fmt.Errorf("signPayload.url is required"))
	}

	id := KeyID(blockchain, address)
	privHex, err := p.store.GetKey(BucketBlockchainKeys, id)
	if err != nil {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", err)
	}
	priv, err := decodeHexKey(privHex)
	if err != nil {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", err)
	}
	defer zeroise(priv)

	payloadRaw, err := json.Marshal(signPayload)
	if err != nil {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", err)
	}
	jws, err := CreateJWS(priv, payloadRaw)
	if err != nil {
		return FlattenedJWS{}, nil, ProtocolError("CreateSignature", "WF_SIGN_ERROR", err)
	}
	return jws, signPayload, nil
}
