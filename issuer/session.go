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
	"github.com/nuts-foundation/openid4vc/openid4vci"
)

// State is the lifecycle state of an issuance session.
type State string

const (
	// StateInitialized is the state after the session was created, through an offer or a plain authorization request.
	StateInitialized State = "initialized"
	// StatePushedAuthorized is the state after a pushed authorization request was accepted.
	StatePushedAuthorized State = "pushed-authorized"
	// StateAuthorized is the state after the wallet was authorized and received an authorization code.
	StateAuthorized State = "authorized"
	// StateTokenIssued is the state after an access token was issued for the session.
	StateTokenIssued State = "token-issued"
	// StateDeferred is the state while one or more credentials await out-of-band issuance.
	StateDeferred State = "deferred"
	// StateBatchIssued is the state after a batch credential response, which may mix issued and deferred items.
	StateBatchIssued State = "batch-issued"
	// StateCredentialIssued is the terminal state after all credentials were handed out.
	StateCredentialIssued State = "credential-issued"
)

// IssuanceSession tracks one wallet's issuance flow from offer (or authorization request) to credential.
// Sessions are stored by ID, tokens and codes reference the session through opaque store references.
type IssuanceSession struct {
	ID    string `json:"id"`
	State State  `json:"state"`
	// OfferedCredentials holds the ids of the credentials offered in this session,
	// referring to the issuer metadata's credentials_supported entries.
	OfferedCredentials []string `json:"offered_credentials,omitempty"`
	// PreAuthorized is true for sessions started with a pre-authorized code offer.
	PreAuthorized bool `json:"pre_authorized,omitempty"`
	// UserPin is the transaction PIN the wallet user must provide with a pre-authorized code.
	// Empty when no PIN is required.
	UserPin string `json:"user_pin,omitempty"`
	// ClientID is the wallet's client_id from the authorization request.
	ClientID string `json:"client_id,omitempty"`
	// ResponseType selects the code flow (code) or the implicit flow (token).
	ResponseType string `json:"response_type,omitempty"`
	// Scope requested by the wallet.
	Scope string `json:"scope,omitempty"`
	// RedirectURI the authorization response is sent to.
	RedirectURI string `json:"redirect_uri,omitempty"`
	// WalletState is the wallet's opaque state parameter, echoed in the authorization response.
	WalletState string `json:"wallet_state,omitempty"`
	// CodeChallenge and CodeChallengeMethod hold the PKCE parameters, verified at the token endpoint.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	// AuthorizationDetails as requested by the wallet (type openid_credential).
	AuthorizationDetails []openid4vci.AuthorizationDetail `json:"authorization_details,omitempty"`
	// CNonce is the nonce the wallet must include in its proof-of-possession JWT.
	// Rotated on every token response, credential response and failed proof.
	CNonce string `json:"c_nonce,omitempty"`
	// HolderDid is the wallet's DID, bound after the first valid proof.
	HolderDid string `json:"holder_did,omitempty"`
}

// deferredIssuance is what an acceptance token references: enough to retry issuance later.
type deferredIssuance struct {
	SessionID string                       `json:"session_id"`
	Request   openid4vci.CredentialRequest `json:"request"`
	HolderDid string                       `json:"holder_did"`
}
