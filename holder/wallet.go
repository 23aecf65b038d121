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

// Package holder implements the wallet side of the credential exchange protocols:
// obtaining credentials from an issuer and presenting them to a verifier.
package holder

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/core"
	"github.com/nuts-foundation/openid4vc/crypto"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/openid4vci"
	"github.com/nuts-foundation/openid4vc/pe"
)

// PresentationCapability signs a verifiable presentation over the given credentials.
// The nonce and audience must end up in the presentation's proof so the verifier
// can check freshness and intended audience.
type PresentationCapability interface {
	BuildPresentation(ctx context.Context, credentials []vc.VerifiableCredential, audience string, nonce string) (*vc.VerifiablePresentation, error)
}

// PresentationFn is a function type that implements PresentationCapability.
type PresentationFn func(ctx context.Context, credentials []vc.VerifiableCredential, audience string, nonce string) (*vc.VerifiablePresentation, error)

func (fn PresentationFn) BuildPresentation(ctx context.Context, credentials []vc.VerifiableCredential, audience string, nonce string) (*vc.VerifiablePresentation, error) {
	return fn(ctx, credentials, audience, nonce)
}

// OpenIDWallet is the holder-side engine. It drives the issuance flows against a
// credential issuer and answers presentation requests from verifiers.
type OpenIDWallet struct {
	did        string
	kid        string
	signer     crypto.JWTSigner
	httpClient core.HTTPRequestDoer
	presenter  PresentationCapability
	// clientFn creates the issuer client, overridable in tests
	clientFn func(ctx context.Context, credentialIssuer string) (*IssuerClient, error)
}

// New creates an OpenIDWallet.
// The kid must be a DID URL referring to a verification method of the wallet's DID,
// resolvable by the issuer. The HTTP client must not follow redirects.
// The presenter may be nil if the wallet is only used for issuance.
func New(did string, kid string, signer crypto.JWTSigner, httpClient core.HTTPRequestDoer, presenter PresentationCapability) *OpenIDWallet {
	wallet := &OpenIDWallet{
		did:        did,
		kid:        kid,
		signer:     signer,
		httpClient: httpClient,
		presenter:  presenter,
	}
	wallet.clientFn = func(ctx context.Context, credentialIssuer string) (*IssuerClient, error) {
		return NewIssuerClient(ctx, wallet.httpClient, credentialIssuer)
	}
	return wallet
}

// ResolveCredentialOffer reads a credential offer from the query parameters of an
// openid-credential-offer URL. The offer is either inlined (credential_offer) or
// fetched by reference (credential_offer_uri).
func (w *OpenIDWallet) ResolveCredentialOffer(ctx context.Context, params url.Values) (*openid4vci.CredentialOffer, error) {
	offerJSON := params.Get("credential_offer")
	offerURI := params.Get("credential_offer_uri")
	if offerJSON != "" && offerURI != "" {
		return nil, errors.New("credential offer contains both credential_offer and credential_offer_uri")
	}
	var offer openid4vci.CredentialOffer
	switch {
	case offerJSON != "":
		if err := json.Unmarshal([]byte(offerJSON), &offer); err != nil {
			return nil, fmt.Errorf("unable to parse credential offer: %w", err)
		}
	case offerURI != "":
		if err := retry.Do(func() error {
			return httpGet(ctx, w.httpClient, offerURI, &offer)
		}, retry.Attempts(metadataFetchAttempts), retry.Delay(metadataFetchDelay), retry.Context(ctx), retry.LastErrorOnly(true)); err != nil {
			return nil, fmt.Errorf("unable to fetch credential offer: %w", err)
		}
	default:
		return nil, errors.New("credential offer contains neither credential_offer nor credential_offer_uri")
	}
	if err := openid4vci.ValidateCredentialOffer(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// ResolveOfferedCredentials cross-references the offered credential ids against the
// issuer metadata. Ids the issuer does not (or no longer) advertise are dropped;
// it is an error when nothing issuable remains.
func ResolveOfferedCredentials(offer openid4vci.CredentialOffer, metadata openid4vci.CredentialIssuerMetadata) ([]openid4vci.CredentialSupported, error) {
	var result []openid4vci.CredentialSupported
	for _, offeredID := range offer.Credentials {
		found := false
		for _, supported := range metadata.CredentialsSupported {
			if supported.ID == offeredID {
				result = append(result, supported)
				found = true
				break
			}
		}
		if !found {
			log.Logger().Debugf("Issuer %s offered unknown credential: %s", offer.CredentialIssuer, offeredID)
		}
	}
	if len(result) == 0 {
		return nil, errors.New("offered credentials do not match the issuer metadata")
	}
	return result, nil
}

// GenerateDidProof creates the JWT proof-of-possession for a credential request,
// bound to the issuer (audience) and the issuer-provided nonce.
func (w *OpenIDWallet) GenerateDidProof(ctx context.Context, audience string, nonce string) (*openid4vci.Proof, error) {
	claims := map[string]interface{}{
		"iss":   w.did,
		"aud":   audience,
		"iat":   time.Now().Unix(),
		"nonce": nonce,
	}
	headers := map[string]interface{}{
		"typ": openid4vci.JWTTypeOpenID4VCIProof,
	}
	token, err := w.signer.SignJWT(ctx, claims, headers, w.kid)
	if err != nil {
		return nil, fmt.Errorf("unable to sign proof: %w", err)
	}
	return &openid4vci.Proof{
		ProofType: openid4vci.ProofTypeJWT,
		Jwt:       token,
	}, nil
}

// ExecutePreAuthorizedCodeFlow obtains the offered credentials using the offer's
// pre-authorized code. The pin is the transaction code communicated to the user
// out-of-band, empty when the offer does not require one.
// Deferred credentials are returned as responses carrying an acceptance token;
// polling the deferred endpoint is left to the caller.
func (w *OpenIDWallet) ExecutePreAuthorizedCodeFlow(ctx context.Context, offer openid4vci.CredentialOffer, pin string) ([]openid4vci.CredentialResponse, error) {
	if offer.Grants == nil || offer.Grants.PreAuthorizedCode == nil {
		return nil, errors.New("credential offer does not contain a pre-authorized code grant")
	}
	grant := offer.Grants.PreAuthorizedCode
	if grant.UserPinRequired && pin == "" {
		return nil, errors.New("credential offer requires a user PIN")
	}
	client, err := w.clientFn(ctx, offer.CredentialIssuer)
	if err != nil {
		return nil, err
	}
	offered, err := ResolveOfferedCredentials(offer, client.Metadata())
	if err != nil {
		return nil, err
	}
	tokenResponse, err := client.RequestAccessToken(ctx, oauth.TokenRequest{
		GrantType:         oauth.PreAuthorizedCodeGrantType,
		PreAuthorizedCode: grant.PreAuthorizedCode,
		UserPin:           pin,
		ClientID:          w.did,
	})
	if err != nil {
		return nil, err
	}
	return w.requestCredentials(ctx, client, offered, tokenResponse)
}

// ExecuteFullAuthIssuance obtains the offered credentials through the authorization
// code flow. The wallet acts as its own user agent: it pushes the authorization
// request when the issuer supports PAR, follows the authorize redirect and exchanges
// the resulting code (PKCE-bound) for an access token.
func (w *OpenIDWallet) ExecuteFullAuthIssuance(ctx context.Context, offer openid4vci.CredentialOffer, redirectURI string) ([]openid4vci.CredentialResponse, error) {
	client, err := w.clientFn(ctx, offer.CredentialIssuer)
	if err != nil {
		return nil, err
	}
	offered, err := ResolveOfferedCredentials(offer, client.Metadata())
	if err != nil {
		return nil, err
	}

	state := crypto.GenerateNonce()
	codeVerifier := crypto.GenerateNonce()
	authorizationDetails := make([]openid4vci.AuthorizationDetail, len(offered))
	for i, supported := range offered {
		authorizationDetails[i] = openid4vci.AuthorizationDetail{
			Type:   openid4vci.AuthorizationDetailTypeOpenIDCredential,
			Format: supported.Format,
			Types:  supported.Types,
		}
	}
	detailsJSON, err := json.Marshal(authorizationDetails)
	if err != nil {
		return nil, err
	}
	authorizationRequest := oauth.AuthorizationRequest{
		ClientID:             w.did,
		ResponseType:         oauth.CodeResponseType,
		RedirectURI:          redirectURI,
		State:                state,
		CodeChallenge:        s256Challenge(codeVerifier),
		CodeChallengeMethod:  "S256",
		AuthorizationDetails: string(detailsJSON),
	}
	if offer.Grants != nil && offer.Grants.AuthorizationCode != nil {
		authorizationRequest.IssuerState = offer.Grants.AuthorizationCode.IssuerState
	}
	if client.ProviderMetadata().PushedAuthorizationRequestEndpoint != "" {
		parResponse, err := client.PushAuthorizationRequest(ctx, authorizationRequest)
		if err != nil {
			return nil, err
		}
		authorizationRequest = oauth.AuthorizationRequest{
			ClientID:   w.did,
			RequestURI: parResponse.RequestURI,
		}
	}
	redirect, err := client.Authorize(ctx, authorizationRequest)
	if err != nil {
		return nil, err
	}
	if redirect.Query().Get(oauth.StateParam) != state {
		return nil, errors.New("state mismatch in authorization response")
	}
	code := redirect.Query().Get(oauth.CodeParam)
	if code == "" {
		return nil, errors.New("authorization response misses code")
	}

	tokenResponse, err := client.RequestAccessToken(ctx, oauth.TokenRequest{
		GrantType:    oauth.AuthorizationCodeGrantType,
		Code:         code,
		RedirectURI:  redirectURI,
		ClientID:     w.did,
		CodeVerifier: codeVerifier,
	})
	if err != nil {
		return nil, err
	}
	return w.requestCredentials(ctx, client, offered, tokenResponse)
}

// RequestDeferredCredential polls the issuer's deferred credential endpoint.
// The returned response is deferred again when issuance is still pending,
// carrying the acceptance token for the next attempt.
func (w *OpenIDWallet) RequestDeferredCredential(ctx context.Context, credentialIssuer string, acceptanceToken string) (*openid4vci.CredentialResponse, error) {
	client, err := w.clientFn(ctx, credentialIssuer)
	if err != nil {
		return nil, err
	}
	return client.RequestDeferredCredential(ctx, acceptanceToken)
}

// requestCredentials requests one credential per offered credential. It uses the batch
// endpoint when multiple credentials are offered and the issuer advertises one,
// otherwise it requests them sequentially, threading the rotated c_nonce from each
// response into the next proof.
func (w *OpenIDWallet) requestCredentials(ctx context.Context, client *IssuerClient, offered []openid4vci.CredentialSupported, tokenResponse *oauth.TokenResponse) ([]openid4vci.CredentialResponse, error) {
	if tokenResponse.AccessToken == "" {
		return nil, errors.New("token response misses access_token")
	}
	audience := client.Metadata().CredentialIssuer
	cNonce := tokenResponse.Get(oauth.CNonceParam)

	if len(offered) > 1 && client.Metadata().BatchCredentialEndpoint != "" {
		return w.requestCredentialBatch(ctx, client, offered, tokenResponse.AccessToken, audience, cNonce)
	}

	var responses []openid4vci.CredentialResponse
	for _, supported := range offered {
		proof, err := w.GenerateDidProof(ctx, audience, cNonce)
		if err != nil {
			return nil, err
		}
		response, err := client.RequestCredential(ctx, openid4vci.CredentialRequest{
			Format: supported.Format,
			Types:  supported.Types,
			Proof:  proof,
		}, tokenResponse.AccessToken)
		if err != nil {
			return nil, err
		}
		responses = append(responses, *response)
		if response.CNonce != "" {
			cNonce = response.CNonce
		}
	}
	return responses, nil
}

func (w *OpenIDWallet) requestCredentialBatch(ctx context.Context, client *IssuerClient, offered []openid4vci.CredentialSupported, accessToken string, audience string, cNonce string) ([]openid4vci.CredentialResponse, error) {
	// all proofs in one batch are bound to the same nonce
	requests := make([]openid4vci.CredentialRequest, len(offered))
	for i, supported := range offered {
		proof, err := w.GenerateDidProof(ctx, audience, cNonce)
		if err != nil {
			return nil, err
		}
		requests[i] = openid4vci.CredentialRequest{
			Format: supported.Format,
			Types:  supported.Types,
			Proof:  proof,
		}
	}
	batchResponse, err := client.RequestCredentialBatch(ctx, openid4vci.BatchCredentialRequest{CredentialRequests: requests}, accessToken)
	if err != nil {
		return nil, err
	}
	var responses []openid4vci.CredentialResponse
	var itemErrors []error
	for i, item := range batchResponse.CredentialResponses {
		if item.Error != "" {
			itemErrors = append(itemErrors, fmt.Errorf("credential %d: %s (%s)", i, item.Error, item.ErrorDescription))
			continue
		}
		responses = append(responses, openid4vci.CredentialResponse{
			Format:          item.Format,
			Credential:      item.Credential,
			AcceptanceToken: item.AcceptanceToken,
			CNonce:          batchResponse.CNonce,
			CNonceExpiresIn: batchResponse.CNonceExpiresIn,
		})
	}
	// partial results are returned alongside the error for the failed items
	return responses, errors.Join(itemErrors...)
}

// ResolvePresentationDefinition reads the presentation definition from a verifier's
// authorization request, either inlined or fetched from presentation_definition_uri.
func (w *OpenIDWallet) ResolvePresentationDefinition(ctx context.Context, request oauth.AuthorizationRequest) (*pe.PresentationDefinition, error) {
	if request.PresentationDefinition != "" && request.PresentationDefURI != "" {
		return nil, errors.New("authorization request contains both presentation_definition and presentation_definition_uri")
	}
	var definition pe.PresentationDefinition
	switch {
	case request.PresentationDefinition != "":
		if err := json.Unmarshal([]byte(request.PresentationDefinition), &definition); err != nil {
			return nil, fmt.Errorf("unable to parse presentation definition: %w", err)
		}
	case request.PresentationDefURI != "":
		if err := httpGet(ctx, w.httpClient, request.PresentationDefURI, &definition); err != nil {
			return nil, fmt.Errorf("unable to fetch presentation definition: %w", err)
		}
	default:
		return nil, errors.New("authorization request misses presentation definition")
	}
	return &definition, nil
}

// ProcessImplicitFlowAuthorization answers a verifier's vp_token authorization request.
// It matches the held credentials against the presentation definition, has the
// presenter sign a presentation bound to the request's nonce, and returns the
// token response carrying vp_token and presentation_submission.
func (w *OpenIDWallet) ProcessImplicitFlowAuthorization(ctx context.Context, request oauth.AuthorizationRequest, credentials []vc.VerifiableCredential) (*oauth.TokenResponse, error) {
	if w.presenter == nil {
		return nil, errors.New("no presentation capability configured")
	}
	if request.Nonce == "" {
		return nil, errors.New("authorization request misses nonce")
	}
	definition, err := w.ResolvePresentationDefinition(ctx, request)
	if err != nil {
		return nil, err
	}
	submission, matched, err := definition.Match(credentials)
	if err != nil {
		return nil, fmt.Errorf("held credentials do not satisfy the presentation definition: %w", err)
	}
	presentation, err := w.presenter.BuildPresentation(ctx, matched, request.ClientID, request.Nonce)
	if err != nil {
		return nil, fmt.Errorf("unable to build presentation: %w", err)
	}
	vpToken, err := json.Marshal(presentation)
	if err != nil {
		return nil, err
	}
	submissionJSON, err := json.Marshal(submission.NestInPresentation())
	if err != nil {
		return nil, err
	}
	response := (&oauth.TokenResponse{TokenType: oauth.BearerTokenType}).
		With(oauth.VpTokenParam, string(vpToken)).
		With(oauth.PresentationSubmissionParam, string(submissionJSON))
	if request.State != "" {
		response.With(oauth.StateParam, request.State)
	}
	return response, nil
}

func s256Challenge(codeVerifier string) string {
	digest := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
