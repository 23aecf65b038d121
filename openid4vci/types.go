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

// Package openid4vci contains the credential issuance protocol types shared by issuer and holder.
package openid4vci

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/oauth"
)

const (
	// VerifiableCredentialJSONLDFormat defines the JSON-LD format identifier for Verifiable Credentials.
	VerifiableCredentialJSONLDFormat = "ldp_vc"
	// ProofTypeJWT defines the JWT proof type for credential request proofs.
	ProofTypeJWT = "jwt"
	// JWTTypeOpenID4VCIProof defines the OpenID4VCI JWT-subtype (used as typ claim in the JWT).
	JWTTypeOpenID4VCIProof = "openid4vci-proof+jwt"
	// CredentialOfferURLScheme is the URL scheme for cross-device credential offers.
	CredentialOfferURLScheme = "openid-credential-offer"
)

// CredentialOffer defines credentials offered by the issuer to the wallet.
type CredentialOffer struct {
	// CredentialIssuer defines the identity of the credential issuer.
	CredentialIssuer string `json:"credential_issuer"`
	// Credentials lists the IDs of the offered credentials,
	// referring to entries in the issuer metadata's credentials_supported.
	Credentials []string `json:"credentials"`
	// Grants lists the grants that can be used to obtain the offered credentials.
	Grants *Grants `json:"grants,omitempty"`
}

// Grants holds the grant parameters of a credential offer.
type Grants struct {
	AuthorizationCode *AuthorizationCodeGrant `json:"authorization_code,omitempty"`
	PreAuthorizedCode *PreAuthorizedCodeGrant `json:"urn:ietf:params:oauth:grant-type:pre-authorized_code,omitempty"`
}

// AuthorizationCodeGrant are the authorization_code grant parameters of a credential offer.
type AuthorizationCodeGrant struct {
	// IssuerState binds a subsequent authorization request to the issuance session the offer originated from.
	IssuerState string `json:"issuer_state,omitempty"`
}

// PreAuthorizedCodeGrant are the pre-authorized_code grant parameters of a credential offer.
type PreAuthorizedCodeGrant struct {
	PreAuthorizedCode string `json:"pre-authorized_code"`
	UserPinRequired   bool   `json:"user_pin_required,omitempty"`
}

// OfferURL renders the offer as a cross-device URL (openid-credential-offer://?credential_offer=...).
func (o CredentialOffer) OfferURL() (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("credential_offer", string(data))
	return CredentialOfferURLScheme + "://?" + params.Encode(), nil
}

// CredentialIssuerMetadata defines the OpenID4VCI credential issuer metadata,
// served on /.well-known/openid-credential-issuer.
type CredentialIssuerMetadata struct {
	// CredentialIssuer defines the identity of the credential issuer.
	CredentialIssuer string `json:"credential_issuer"`
	// AuthorizationServer defines the OAuth2 authorization server to use, if separate from the issuer.
	AuthorizationServer string `json:"authorization_server,omitempty"`
	// CredentialEndpoint defines where the wallet sends credential requests.
	CredentialEndpoint string `json:"credential_endpoint"`
	// BatchCredentialEndpoint defines where the wallet sends batch credential requests. Optional.
	BatchCredentialEndpoint string `json:"batch_credential_endpoint,omitempty"`
	// DeferredCredentialEndpoint defines where the wallet exchanges acceptance tokens for credentials. Optional.
	DeferredCredentialEndpoint string `json:"deferred_credential_endpoint,omitempty"`
	// CredentialsSupported describes the credentials this issuer can issue.
	CredentialsSupported []CredentialSupported `json:"credentials_supported,omitempty"`
}

// CredentialSupported describes one issuable credential in the issuer metadata.
type CredentialSupported struct {
	// ID identifies the entry, referenced by credential offers.
	ID string `json:"id,omitempty"`
	// Format is the credential format identifier (e.g. ldp_vc).
	Format string `json:"format"`
	// Types lists the credential types.
	Types []string `json:"types,omitempty"`
	// CryptographicBindingMethodsSupported lists supported holder binding methods (e.g. did).
	CryptographicBindingMethodsSupported []string `json:"cryptographic_binding_methods_supported,omitempty"`
}

// CredentialRequest is the request to the credential endpoint.
type CredentialRequest struct {
	Format string   `json:"format"`
	Types  []string `json:"types,omitempty"`
	Proof  *Proof   `json:"proof,omitempty"`
}

// Proof is the proof of possession of key material, sent with a credential request.
type Proof struct {
	ProofType string `json:"proof_type"`
	Jwt       string `json:"jwt"`
}

// CredentialResponse is the response of the credential and deferred credential endpoints.
// It either carries the credential, or an acceptance token when issuance is deferred.
type CredentialResponse struct {
	Format          string                   `json:"format,omitempty"`
	Credential      *vc.VerifiableCredential `json:"credential,omitempty"`
	AcceptanceToken string                   `json:"acceptance_token,omitempty"`
	CNonce          string                   `json:"c_nonce,omitempty"`
	CNonceExpiresIn *int                     `json:"c_nonce_expires_in,omitempty"`
}

// Deferred returns whether the response defers issuance to a later point in time.
func (r CredentialResponse) Deferred() bool {
	return r.AcceptanceToken != "" && r.Credential == nil
}

// BatchCredentialRequest is the request to the batch credential endpoint.
type BatchCredentialRequest struct {
	CredentialRequests []CredentialRequest `json:"credential_requests"`
}

// BatchCredentialResponse is the response of the batch credential endpoint.
// Responses appear in request order; a failed item carries an error instead of a credential,
// without affecting its siblings. The c_nonce is rotated once for the entire batch.
type BatchCredentialResponse struct {
	CredentialResponses []BatchCredentialResponseItem `json:"credential_responses"`
	CNonce              string                        `json:"c_nonce,omitempty"`
	CNonceExpiresIn     *int                          `json:"c_nonce_expires_in,omitempty"`
}

// BatchCredentialResponseItem is one outcome in a batch credential response.
type BatchCredentialResponseItem struct {
	Format           string                   `json:"format,omitempty"`
	Credential       *vc.VerifiableCredential `json:"credential,omitempty"`
	AcceptanceToken  string                   `json:"acceptance_token,omitempty"`
	Error            string                   `json:"error,omitempty"`
	ErrorDescription string                   `json:"error_description,omitempty"`
}

// AuthorizationDetail is an RFC9396 authorization detail requesting issuance of a specific credential.
type AuthorizationDetail struct {
	Type   string   `json:"type"`
	Format string   `json:"format,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// AuthorizationDetailTypeOpenIDCredential is the authorization detail type for credential issuance.
const AuthorizationDetailTypeOpenIDCredential = "openid_credential"

// ParseAuthorizationDetails parses the authorization_details request parameter.
func ParseAuthorizationDetails(param string) ([]AuthorizationDetail, error) {
	if param == "" {
		return nil, nil
	}
	var details []AuthorizationDetail
	if err := json.Unmarshal([]byte(param), &details); err != nil {
		return nil, Error{
			Err:        err,
			Code:       InvalidRequest,
			StatusCode: http.StatusBadRequest,
		}
	}
	return details, nil
}

// WellKnownMetadataPath returns the well-known credential issuer metadata URL for the given issuer identifier.
func WellKnownMetadataPath(credentialIssuer string) string {
	issuerURL, err := url.Parse(credentialIssuer)
	if err != nil || issuerURL.Host == "" {
		return credentialIssuer + oauth.OpenIdCredIssuerWellKnown
	}
	return issuerURL.Scheme + "://" + issuerURL.Host + oauth.OpenIdCredIssuerWellKnown + issuerURL.EscapedPath()
}
