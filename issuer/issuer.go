/*
 * Copyright (C) 2024 Nuts community
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 *
 */

package issuer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuts-foundation/openid4vc/core"
	"github.com/nuts-foundation/openid4vc/crypto"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/openid4vci"
	"github.com/nuts-foundation/openid4vc/storage"
)

const (
	sessionTTL     = time.Hour
	offerTTL       = 15 * time.Minute
	authCodeTTL    = 5 * time.Minute
	preAuthCodeTTL = 15 * time.Minute
	requestURITTL  = 5 * time.Minute
	accessTokenTTL = 15 * time.Minute
	// deferred tickets live until claimed or until they expire with the session
	acceptanceTokenTTL = time.Hour
)

// OpenIDIssuer is the OpenID4VCI credential issuer and its embedded authorization server.
// All state lives in the session store; codes and tokens are opaque store references,
// so multiple issuer instances can share a Redis-backed store.
type OpenIDIssuer struct {
	identifier  string
	metadata    openid4vci.CredentialIssuerMetadata
	keyResolver crypto.KeyResolver
	capability  CredentialIssuanceCapability

	sessions         storage.SessionStore
	offers           storage.SessionStore
	requestURIs      *crypto.TokenAuthority
	authCodes        *crypto.TokenAuthority
	preAuthCodes     *crypto.TokenAuthority
	accessTokens     *crypto.TokenAuthority
	acceptanceTokens *crypto.TokenAuthority
}

// New creates an OpenIDIssuer identified by the given issuer URL.
// credentialsSupported becomes the issuer metadata, keyResolver resolves wallet proof keys,
// and the capability mints the actual credentials.
func New(identifier string, credentialsSupported []openid4vci.CredentialSupported,
	keyResolver crypto.KeyResolver, capability CredentialIssuanceCapability, db storage.SessionDatabase) *OpenIDIssuer {
	identifier = strings.TrimSuffix(identifier, "/")
	return &OpenIDIssuer{
		identifier: identifier,
		metadata: openid4vci.CredentialIssuerMetadata{
			CredentialIssuer:           identifier,
			CredentialEndpoint:         core.JoinURLPaths(identifier, "credential"),
			BatchCredentialEndpoint:    core.JoinURLPaths(identifier, "batch_credential"),
			DeferredCredentialEndpoint: core.JoinURLPaths(identifier, "credential_deferred"),
			CredentialsSupported:       credentialsSupported,
		},
		keyResolver:      keyResolver,
		capability:       capability,
		sessions:         db.GetStore(sessionTTL, "openid4vci", "session"),
		offers:           db.GetStore(offerTTL, "openid4vci", "offer"),
		requestURIs:      crypto.NewTokenAuthority(db.GetStore(requestURITTL, "openid4vci", "requesturi")),
		authCodes:        crypto.NewTokenAuthority(db.GetStore(authCodeTTL, "openid4vci", "code")),
		preAuthCodes:     crypto.NewTokenAuthority(db.GetStore(preAuthCodeTTL, "openid4vci", "preauthcode")),
		accessTokens:     crypto.NewTokenAuthority(db.GetStore(accessTokenTTL, "openid4vci", "accesstoken")),
		acceptanceTokens: crypto.NewTokenAuthority(db.GetStore(acceptanceTokenTTL, "openid4vci", "acceptancetoken")),
	}
}

// Metadata returns the credential issuer metadata, served on /.well-known/openid-credential-issuer.
func (i *OpenIDIssuer) Metadata() openid4vci.CredentialIssuerMetadata {
	return i.metadata
}

// ProviderMetadata returns the OAuth2 authorization server metadata of the embedded authorization server.
func (i *OpenIDIssuer) ProviderMetadata() oauth.AuthorizationServerMetadata {
	return oauth.AuthorizationServerMetadata{
		Issuer:                                     i.identifier,
		AuthorizationEndpoint:                      core.JoinURLPaths(i.identifier, "authorize"),
		TokenEndpoint:                              core.JoinURLPaths(i.identifier, "token"),
		PushedAuthorizationRequestEndpoint:         core.JoinURLPaths(i.identifier, "par"),
		ResponseTypesSupported:                     []string{oauth.CodeResponseType, oauth.TokenResponseType},
		GrantTypesSupported:                        []string{oauth.AuthorizationCodeGrantType, oauth.PreAuthorizedCodeGrantType},
		PreAuthorizedGrantAnonymousAccessSupported: true,
	}
}

// InitializeAuthorization creates an issuance session from a wallet-initiated authorization request,
// without a prior credential offer. The requested authorization details must be resolvable
// against the supported credentials.
func (i *OpenIDIssuer) InitializeAuthorization(request oauth.AuthorizationRequest) (*IssuanceSession, error) {
	session, err := i.sessionFromAuthorizationRequest(request)
	if err != nil {
		return nil, err
	}
	if err := i.storeSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// InitializeCredentialOffer creates an issuance session offering the given credentials
// (ids of credentials_supported entries). With allowPreAuthorized a pre-authorized code is
// generated; a non-empty pin then requires the wallet user to enter it at the token endpoint.
// Without allowPreAuthorized the offer carries an authorization_code grant whose issuer_state
// is the session id.
func (i *OpenIDIssuer) InitializeCredentialOffer(credentialIDs []string, allowPreAuthorized bool, pin string) (*IssuanceSession, *openid4vci.CredentialOffer, error) {
	for _, id := range credentialIDs {
		if i.findSupportedCredentialByID(id) == nil {
			return nil, nil, openid4vci.Error{
				Err:        fmt.Errorf("unknown credential ID: %s", id),
				Code:       openid4vci.InvalidRequest,
				StatusCode: http.StatusBadRequest,
			}
		}
	}
	session := &IssuanceSession{
		ID:                 uuid.NewString(),
		State:              StateInitialized,
		OfferedCredentials: credentialIDs,
		PreAuthorized:      allowPreAuthorized,
		UserPin:            pin,
	}
	offer := &openid4vci.CredentialOffer{
		CredentialIssuer: i.identifier,
		Credentials:      credentialIDs,
		Grants:           &openid4vci.Grants{},
	}
	if allowPreAuthorized {
		code, err := i.preAuthCodes.Issue(session.ID)
		if err != nil {
			return nil, nil, err
		}
		offer.Grants.PreAuthorizedCode = &openid4vci.PreAuthorizedCodeGrant{
			PreAuthorizedCode: code,
			UserPinRequired:   pin != "",
		}
	} else {
		offer.Grants.AuthorizationCode = &openid4vci.AuthorizationCodeGrant{IssuerState: session.ID}
	}
	if err := i.storeSession(session); err != nil {
		return nil, nil, err
	}
	if err := i.offers.Put(session.ID, offer); err != nil {
		return nil, nil, err
	}
	log.Logger().WithField("session", session.ID).Info("Initialized credential offer")
	return session, offer, nil
}

// CredentialOfferURI returns the URL the stored offer can be retrieved from, for by-reference offers.
func (i *OpenIDIssuer) CredentialOfferURI(sessionID string) string {
	return core.JoinURLPaths(i.identifier, "credential_offer", sessionID)
}

// CredentialOfferRequestURL renders the cross-device offer URL for the wallet,
// inline or by reference (for offers too large for a QR code).
func (i *OpenIDIssuer) CredentialOfferRequestURL(session IssuanceSession, offer openid4vci.CredentialOffer, byReference bool) (string, error) {
	if !byReference {
		return offer.OfferURL()
	}
	params := url.Values{}
	params.Set("credential_offer_uri", i.CredentialOfferURI(session.ID))
	return openid4vci.CredentialOfferURLScheme + "://?" + params.Encode(), nil
}

// GetCredentialOffer returns the stored offer for the given session id.
func (i *OpenIDIssuer) GetCredentialOffer(sessionID string) (*openid4vci.CredentialOffer, error) {
	var offer openid4vci.CredentialOffer
	if err := i.offers.Get(sessionID, &offer); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, openid4vci.Error{
				Err:        errors.New("unknown credential offer"),
				Code:       openid4vci.InvalidRequest,
				StatusCode: http.StatusNotFound,
			}
		}
		return nil, err
	}
	return &offer, nil
}

// ProcessPushedAuthorizationRequest handles a pushed authorization request (RFC9126)
// and returns the request_uri the wallet passes to the authorization endpoint.
func (i *OpenIDIssuer) ProcessPushedAuthorizationRequest(request oauth.AuthorizationRequest) (*oauth.PushedAuthorizationResponse, error) {
	if request.RequestURI != "" {
		return nil, oauth.OAuth2Error{
			Code:        oauth.InvalidRequest,
			Description: "request_uri is not allowed in a pushed authorization request",
		}
	}
	session, err := i.sessionFromAuthorizationRequest(request)
	if err != nil {
		return nil, err
	}
	session.State = StatePushedAuthorized
	if err := i.storeSession(session); err != nil {
		return nil, err
	}
	reference, err := i.requestURIs.Issue(session.ID)
	if err != nil {
		return nil, err
	}
	return &oauth.PushedAuthorizationResponse{
		RequestURI: oauth.RequestURIPrefix + reference,
		ExpiresIn:  int(requestURITTL.Seconds()),
	}, nil
}

// ProcessAuthorizationRequest handles a request to the authorization endpoint and returns
// the redirect location: a one-time code for the code flow, or a token response in the
// URL fragment for the implicit flow. Errors carry the redirect URI when the flow got far
// enough to deliver them there.
func (i *OpenIDIssuer) ProcessAuthorizationRequest(request oauth.AuthorizationRequest) (string, error) {
	var session *IssuanceSession
	var err error
	if request.RequestURI != "" {
		session, err = i.sessionFromRequestURI(request)
	} else {
		session, err = i.sessionFromAuthorizationRequest(request)
	}
	if err != nil {
		return "", err
	}
	switch session.ResponseType {
	case oauth.CodeResponseType:
		return i.processCodeFlowAuthorization(session)
	case oauth.TokenResponseType:
		return i.processImplicitFlowAuthorization(session)
	default:
		redirectURI, _ := url.Parse(session.RedirectURI)
		return "", oauth.OAuth2Error{
			Code:        oauth.UnsupportedResponseType,
			Description: fmt.Sprintf("unsupported response type: %s", session.ResponseType),
			RedirectURI: redirectURI,
		}
	}
}

// processCodeFlowAuthorization issues a one-time authorization code bound to the session.
func (i *OpenIDIssuer) processCodeFlowAuthorization(session *IssuanceSession) (string, error) {
	code, err := i.authCodes.Issue(session.ID)
	if err != nil {
		return "", err
	}
	session.State = StateAuthorized
	if err := i.storeSession(session); err != nil {
		return "", err
	}
	redirectURI, err := url.Parse(session.RedirectURI)
	if err != nil {
		return "", oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid redirect_uri"}
	}
	params := map[string]string{oauth.CodeParam: code}
	if session.WalletState != "" {
		params[oauth.StateParam] = session.WalletState
	}
	location := core.AddQueryParams(*redirectURI, params)
	return location.String(), nil
}

// processImplicitFlowAuthorization returns the token response directly in the redirect fragment,
// skipping the token endpoint round-trip.
func (i *OpenIDIssuer) processImplicitFlowAuthorization(session *IssuanceSession) (string, error) {
	tokenResponse, err := i.createTokenResponse(session)
	if err != nil {
		return "", err
	}
	redirectURI, err := url.Parse(session.RedirectURI)
	if err != nil {
		return "", oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid redirect_uri"}
	}
	fragment := url.Values{}
	fragment.Set("access_token", tokenResponse.AccessToken)
	fragment.Set("token_type", tokenResponse.TokenType)
	if tokenResponse.ExpiresIn != nil {
		fragment.Set("expires_in", fmt.Sprintf("%d", *tokenResponse.ExpiresIn))
	}
	fragment.Set(oauth.CNonceParam, tokenResponse.Get(oauth.CNonceParam))
	if session.WalletState != "" {
		fragment.Set(oauth.StateParam, session.WalletState)
	}
	redirectURI.Fragment = fragment.Encode()
	return redirectURI.String(), nil
}

// ProcessTokenRequest handles a token endpoint request, dispatching on the grant type.
func (i *OpenIDIssuer) ProcessTokenRequest(request oauth.TokenRequest) (*oauth.TokenResponse, error) {
	var session *IssuanceSession
	var err error
	switch request.GrantType {
	case oauth.AuthorizationCodeGrantType:
		session, err = i.sessionFromAuthorizationCode(request)
	case oauth.PreAuthorizedCodeGrantType:
		session, err = i.sessionFromPreAuthorizedCode(request)
	default:
		err = oauth.OAuth2Error{
			Code:        oauth.UnsupportedGrantType,
			Description: fmt.Sprintf("unsupported grant type: %s", request.GrantType),
		}
	}
	if err != nil {
		return nil, err
	}
	return i.createTokenResponse(session)
}

func (i *OpenIDIssuer) sessionFromAuthorizationCode(request oauth.TokenRequest) (*IssuanceSession, error) {
	invalidCode := oauth.OAuth2Error{Code: oauth.InvalidGrant, Description: "invalid or expired authorization code"}
	var sessionID string
	// first caller wins, a replayed code observes invalid_grant
	if err := i.authCodes.Consume(request.Code, &sessionID); err != nil {
		if errors.Is(err, crypto.ErrUnknownToken) {
			return nil, invalidCode
		}
		return nil, err
	}
	session, err := i.getSession(sessionID)
	if err != nil {
		return nil, invalidCode
	}
	if session.RedirectURI != "" && request.RedirectURI != session.RedirectURI {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidGrant, Description: "redirect_uri does not match"}
	}
	if session.CodeChallenge != "" && !validatePKCE(session.CodeChallengeMethod, session.CodeChallenge, request.CodeVerifier) {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidGrant, Description: "invalid code_verifier"}
	}
	return session, nil
}

// sessionFromPreAuthorizedCode validates a pre-authorized code grant.
// The PIN is checked before the code is consumed: a wrong PIN leaves the code valid,
// so the wallet user can retry until the code expires.
func (i *OpenIDIssuer) sessionFromPreAuthorizedCode(request oauth.TokenRequest) (*IssuanceSession, error) {
	invalidCode := oauth.OAuth2Error{Code: oauth.InvalidGrant, Description: "invalid or expired pre-authorized code"}
	var sessionID string
	if err := i.preAuthCodes.Peek(request.PreAuthorizedCode, &sessionID); err != nil {
		if errors.Is(err, crypto.ErrUnknownToken) {
			return nil, invalidCode
		}
		return nil, err
	}
	session, err := i.getSession(sessionID)
	if err != nil {
		return nil, invalidCode
	}
	if session.UserPin == "" && request.UserPin != "" {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "no user PIN expected"}
	}
	if session.UserPin != "" && request.UserPin != session.UserPin {
		log.Logger().WithField("session", session.ID).Info("Pre-authorized code PIN mismatch, code not consumed")
		return nil, oauth.OAuth2Error{Code: oauth.InvalidGrant, Description: "invalid user PIN"}
	}
	if err := i.preAuthCodes.Consume(request.PreAuthorizedCode, &sessionID); err != nil {
		// lost the race against a concurrent request with the same code
		return nil, invalidCode
	}
	return session, nil
}

// createTokenResponse issues an access token and a fresh c_nonce for the session.
func (i *OpenIDIssuer) createTokenResponse(session *IssuanceSession) (*oauth.TokenResponse, error) {
	accessToken, err := i.accessTokens.Issue(session.ID)
	if err != nil {
		return nil, err
	}
	session.CNonce = crypto.GenerateNonce()
	session.State = StateTokenIssued
	if err := i.storeSession(session); err != nil {
		return nil, err
	}
	expiresIn := int(accessTokenTTL.Seconds())
	response := (&oauth.TokenResponse{
		AccessToken: accessToken,
		TokenType:   oauth.BearerTokenType,
		ExpiresIn:   &expiresIn,
	}).With(oauth.CNonceParam, session.CNonce).
		With(oauth.CNonceExpiresInParam, expiresIn)
	return response, nil
}

// GenerateCredentialResponse handles a credential endpoint request.
// It validates the access token and the proof of possession, then delegates to the
// issuance capability. The session's c_nonce is rotated on every outcome that involved
// a proof, including invalid_or_missing_proof errors (which carry the fresh nonce).
func (i *OpenIDIssuer) GenerateCredentialResponse(ctx context.Context, accessToken string, request openid4vci.CredentialRequest) (*openid4vci.CredentialResponse, error) {
	session, err := i.sessionFromAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if err := i.validateCredentialRequest(request); err != nil {
		return nil, err
	}
	holderDid, err := i.checkProof(session, request)
	if err != nil {
		return nil, i.proofError(session, err)
	}
	session.HolderDid = holderDid
	result, err := i.capability.IssueCredential(ctx, request, holderDid)
	if err != nil {
		return nil, openid4vci.Error{
			Err:        fmt.Errorf("credential issuance failed: %w", err),
			Code:       openid4vci.ServerError,
			StatusCode: http.StatusInternalServerError,
		}
	}
	cNonce, cNonceExpiry := i.rotateNonce(session)
	response := &openid4vci.CredentialResponse{
		CNonce:          cNonce,
		CNonceExpiresIn: &cNonceExpiry,
	}
	if result.Deferred {
		acceptanceToken, err := i.acceptanceTokens.Issue(deferredIssuance{
			SessionID: session.ID,
			Request:   request,
			HolderDid: holderDid,
		})
		if err != nil {
			return nil, err
		}
		session.State = StateDeferred
		response.AcceptanceToken = acceptanceToken
	} else {
		session.State = StateCredentialIssued
		response.Format = request.Format
		response.Credential = result.Credential
	}
	if err := i.storeSession(session); err != nil {
		return nil, err
	}
	return response, nil
}

// GenerateDeferredCredentialResponse exchanges an acceptance token for the credential.
// A still-pending issuance returns a deferred response with the same token; an unknown
// token is a fatal invalid_request.
func (i *OpenIDIssuer) GenerateDeferredCredentialResponse(ctx context.Context, acceptanceToken string) (*openid4vci.CredentialResponse, error) {
	var deferred deferredIssuance
	if err := i.acceptanceTokens.Peek(acceptanceToken, &deferred); err != nil {
		if errors.Is(err, crypto.ErrUnknownToken) {
			return nil, openid4vci.Error{
				Err:        errors.New("unknown acceptance token"),
				Code:       openid4vci.InvalidRequest,
				StatusCode: http.StatusBadRequest,
			}
		}
		return nil, err
	}
	result, err := i.capability.IssueCredential(ctx, deferred.Request, deferred.HolderDid)
	if err != nil {
		return nil, openid4vci.Error{
			Err:        fmt.Errorf("credential issuance failed: %w", err),
			Code:       openid4vci.ServerError,
			StatusCode: http.StatusInternalServerError,
		}
	}
	if result.Deferred {
		return &openid4vci.CredentialResponse{AcceptanceToken: acceptanceToken}, nil
	}
	_ = i.acceptanceTokens.Revoke(acceptanceToken)
	if session, err := i.getSession(deferred.SessionID); err == nil {
		session.State = StateCredentialIssued
		_ = i.storeSession(session)
	}
	return &openid4vci.CredentialResponse{
		Format:     deferred.Request.Format,
		Credential: result.Credential,
	}, nil
}

// GenerateBatchCredentialResponse handles a batch credential endpoint request.
// Items are processed independently: a failing item becomes an error slot without
// affecting its siblings. The c_nonce rotates once for the whole batch, so every
// item's proof must be bound to the same nonce.
func (i *OpenIDIssuer) GenerateBatchCredentialResponse(ctx context.Context, accessToken string, batch openid4vci.BatchCredentialRequest) (*openid4vci.BatchCredentialResponse, error) {
	session, err := i.sessionFromAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if len(batch.CredentialRequests) == 0 {
		return nil, openid4vci.Error{
			Err:        errors.New("empty credential_requests"),
			Code:       openid4vci.InvalidRequest,
			StatusCode: http.StatusBadRequest,
		}
	}
	items := make([]openid4vci.BatchCredentialResponseItem, len(batch.CredentialRequests))
	for index, request := range batch.CredentialRequests {
		items[index] = i.processBatchItem(ctx, session, request)
	}
	cNonce, cNonceExpiry := i.rotateNonce(session)
	session.State = StateBatchIssued
	if err := i.storeSession(session); err != nil {
		return nil, err
	}
	return &openid4vci.BatchCredentialResponse{
		CredentialResponses: items,
		CNonce:              cNonce,
		CNonceExpiresIn:     &cNonceExpiry,
	}, nil
}

func (i *OpenIDIssuer) processBatchItem(ctx context.Context, session *IssuanceSession, request openid4vci.CredentialRequest) openid4vci.BatchCredentialResponseItem {
	asItemError := func(err error) openid4vci.BatchCredentialResponseItem {
		var protocolError openid4vci.Error
		if !errors.As(err, &protocolError) {
			protocolError = openid4vci.Error{Code: openid4vci.ServerError, Err: err}
		}
		item := openid4vci.BatchCredentialResponseItem{Error: string(protocolError.Code)}
		if protocolError.Err != nil {
			item.ErrorDescription = protocolError.Err.Error()
		}
		return item
	}
	if err := i.validateCredentialRequest(request); err != nil {
		return asItemError(err)
	}
	holderDid, err := i.checkProof(session, request)
	if err != nil {
		return asItemError(err)
	}
	session.HolderDid = holderDid
	result, err := i.capability.IssueCredential(ctx, request, holderDid)
	if err != nil {
		return asItemError(fmt.Errorf("credential issuance failed: %w", err))
	}
	if result.Deferred {
		acceptanceToken, err := i.acceptanceTokens.Issue(deferredIssuance{
			SessionID: session.ID,
			Request:   request,
			HolderDid: holderDid,
		})
		if err != nil {
			return asItemError(err)
		}
		return openid4vci.BatchCredentialResponseItem{AcceptanceToken: acceptanceToken}
	}
	return openid4vci.BatchCredentialResponseItem{
		Format:     request.Format,
		Credential: result.Credential,
	}
}

// validateCredentialRequest checks the request shape and whether this issuer supports
// the requested format and types.
func (i *OpenIDIssuer) validateCredentialRequest(request openid4vci.CredentialRequest) error {
	if err := openid4vci.ValidateCredentialRequest(request); err != nil {
		return err
	}
	var lastErr error
	for _, supported := range i.metadata.CredentialsSupported {
		if lastErr = openid4vci.ValidateDefinitionWithCredentialRequest(request, supported); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = openid4vci.Error{
			Err:        errors.New("issuer supports no credentials"),
			Code:       openid4vci.UnsupportedCredentialType,
			StatusCode: http.StatusBadRequest,
		}
	}
	return lastErr
}

// checkProof validates the holder's proof of possession and returns the holder DID.
// It does not rotate the nonce, callers decide when to rotate.
func (i *OpenIDIssuer) checkProof(session *IssuanceSession, request openid4vci.CredentialRequest) (string, error) {
	proofError := func(err error) error {
		return openid4vci.Error{
			Err:        err,
			Code:       openid4vci.InvalidOrMissingProof,
			StatusCode: http.StatusBadRequest,
		}
	}
	if request.Proof == nil {
		return "", proofError(errors.New("missing proof"))
	}
	if request.Proof.ProofType != openid4vci.ProofTypeJWT {
		return "", proofError(fmt.Errorf("unsupported proof type: %s", request.Proof.ProofType))
	}
	typ, err := crypto.JWTTyp(request.Proof.Jwt)
	if err != nil {
		return "", proofError(fmt.Errorf("invalid proof: %w", err))
	}
	if typ != openid4vci.JWTTypeOpenID4VCIProof {
		return "", proofError(fmt.Errorf("invalid typ claim (expected: %s): %s", openid4vci.JWTTypeOpenID4VCIProof, typ))
	}
	kid, _, err := crypto.JWTKidAlg(request.Proof.Jwt)
	if err != nil {
		return "", proofError(fmt.Errorf("invalid proof: %w", err))
	}
	token, err := crypto.ParseJWT(request.Proof.Jwt, i.keyResolver.ResolveKey)
	if err != nil {
		return "", proofError(fmt.Errorf("invalid proof: %w", err))
	}
	audienceMatches := false
	for _, audience := range token.Audience() {
		if audience == i.identifier {
			audienceMatches = true
			break
		}
	}
	if !audienceMatches {
		return "", proofError(fmt.Errorf("audience doesn't match credential issuer (aud=%v)", token.Audience()))
	}
	nonce, _ := token.Get(oauth.NonceParam)
	nonceString, _ := nonce.(string)
	if session.CNonce == "" || nonceString != session.CNonce {
		return "", proofError(errors.New("proof nonce does not match c_nonce"))
	}
	holderDid, _, _ := strings.Cut(kid, "#")
	return holderDid, nil
}

// proofError rotates the session nonce and attaches it to the proof error,
// so the wallet can construct a new proof straight away.
func (i *OpenIDIssuer) proofError(session *IssuanceSession, err error) error {
	var protocolError openid4vci.Error
	if !errors.As(err, &protocolError) {
		return err
	}
	cNonce, cNonceExpiry := i.rotateNonce(session)
	if saveErr := i.storeSession(session); saveErr != nil {
		return saveErr
	}
	protocolError.CNonce = cNonce
	protocolError.CNonceExpiresIn = &cNonceExpiry
	return protocolError
}

// rotateNonce replaces the session's c_nonce; a proof bound to the old nonce is rejected from now on.
// The caller is responsible for storing the session.
func (i *OpenIDIssuer) rotateNonce(session *IssuanceSession) (string, int) {
	session.CNonce = crypto.GenerateNonce()
	return session.CNonce, int(accessTokenTTL.Seconds())
}

func (i *OpenIDIssuer) sessionFromAccessToken(accessToken string) (*IssuanceSession, error) {
	invalidToken := openid4vci.Error{
		Err:        errors.New("invalid or expired access token"),
		Code:       openid4vci.InvalidToken,
		StatusCode: http.StatusUnauthorized,
	}
	var sessionID string
	if err := i.accessTokens.Peek(accessToken, &sessionID); err != nil {
		if errors.Is(err, crypto.ErrUnknownToken) {
			return nil, invalidToken
		}
		return nil, err
	}
	session, err := i.getSession(sessionID)
	if err != nil {
		return nil, invalidToken
	}
	return session, nil
}

// sessionFromRequestURI resolves a pushed authorization request reference. Single use.
func (i *OpenIDIssuer) sessionFromRequestURI(request oauth.AuthorizationRequest) (*IssuanceSession, error) {
	if !strings.HasPrefix(request.RequestURI, oauth.RequestURIPrefix) {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid request_uri"}
	}
	var sessionID string
	reference := strings.TrimPrefix(request.RequestURI, oauth.RequestURIPrefix)
	if err := i.requestURIs.Consume(reference, &sessionID); err != nil {
		if errors.Is(err, crypto.ErrUnknownToken) {
			return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unknown or expired request_uri"}
		}
		return nil, err
	}
	session, err := i.getSession(sessionID)
	if err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unknown or expired request_uri"}
	}
	if request.ClientID != "" && request.ClientID != session.ClientID {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidClient, Description: "client_id does not match pushed request"}
	}
	return session, nil
}

// sessionFromAuthorizationRequest validates the request parameters and creates the session,
// or resumes the offer's session when the request carries an issuer_state.
func (i *OpenIDIssuer) sessionFromAuthorizationRequest(request oauth.AuthorizationRequest) (*IssuanceSession, error) {
	if request.ClientID == "" {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "missing client_id"}
	}
	redirectURI, err := url.Parse(request.RedirectURI)
	if err != nil || !redirectURI.IsAbs() {
		// the redirect URI is not trusted, errors go to the user agent directly
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "missing or invalid redirect_uri"}
	}
	details, err := openid4vci.ParseAuthorizationDetails(request.AuthorizationDetails)
	if err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid authorization_details", InternalError: err, RedirectURI: redirectURI}
	}
	for _, detail := range details {
		if detail.Type != openid4vci.AuthorizationDetailTypeOpenIDCredential {
			return nil, oauth.OAuth2Error{
				Code:        oauth.InvalidRequest,
				Description: fmt.Sprintf("unsupported authorization detail type: %s", detail.Type),
				RedirectURI: redirectURI,
			}
		}
		if i.findSupportedCredentialByTypes(detail.Format, detail.Types) == nil {
			return nil, oauth.OAuth2Error{
				Code:        oauth.InvalidRequest,
				Description: "requested credential is not supported by this issuer",
				RedirectURI: redirectURI,
			}
		}
	}
	var session *IssuanceSession
	if request.IssuerState != "" {
		session, err = i.getSession(request.IssuerState)
		if err != nil {
			return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unknown issuer_state", RedirectURI: redirectURI}
		}
	} else {
		session = &IssuanceSession{ID: uuid.NewString(), State: StateInitialized}
	}
	session.ClientID = request.ClientID
	session.Scope = request.Scope
	session.RedirectURI = request.RedirectURI
	session.ResponseType = request.ResponseType
	session.WalletState = request.State
	session.CodeChallenge = request.CodeChallenge
	session.CodeChallengeMethod = request.CodeChallengeMethod
	session.AuthorizationDetails = details
	return session, nil
}

func (i *OpenIDIssuer) findSupportedCredentialByID(id string) *openid4vci.CredentialSupported {
	for _, supported := range i.metadata.CredentialsSupported {
		if supported.ID == id {
			result := supported
			return &result
		}
	}
	return nil
}

func (i *OpenIDIssuer) findSupportedCredentialByTypes(format string, types []string) *openid4vci.CredentialSupported {
	request := openid4vci.CredentialRequest{Format: format, Types: types}
	for _, supported := range i.metadata.CredentialsSupported {
		if openid4vci.ValidateDefinitionWithCredentialRequest(request, supported) == nil {
			result := supported
			return &result
		}
	}
	return nil
}

func (i *OpenIDIssuer) getSession(id string) (*IssuanceSession, error) {
	var session IssuanceSession
	if err := i.sessions.Get(id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (i *OpenIDIssuer) storeSession(session *IssuanceSession) error {
	return i.sessions.Put(session.ID, session)
}

func validatePKCE(method string, challenge string, verifier string) bool {
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
	case "", "plain":
		return verifier == challenge
	default:
		return false
	}
}
