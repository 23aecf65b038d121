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

// Package verifier implements the relying party side of the presentation exchange:
// it requests presentations from wallets and verifies the submitted credentials
// against a presentation definition and a set of policies.
package verifier

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"
	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/core"
	"github.com/nuts-foundation/openid4vc/crypto"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/pe"
	"github.com/nuts-foundation/openid4vc/policy"
	"github.com/nuts-foundation/openid4vc/storage"
)

const sessionTTL = 15 * time.Minute

// AuthorizeURLScheme is the URL scheme of cross-device presentation request URLs.
const AuthorizeURLScheme = "openid4vp"

// PresentationSession tracks one presentation request from authorization request to
// verification result. The session ID doubles as the request's state parameter,
// binding the wallet's response back to the session.
type PresentationSession struct {
	ID                     string                     `json:"id"`
	AuthorizationRequest   oauth.AuthorizationRequest `json:"authorization_request"`
	PresentationDefinition pe.PresentationDefinition  `json:"presentation_definition"`
	Policies               []policy.Request           `json:"policies,omitempty"`
	Nonce                  string                     `json:"nonce"`
	// TokenResponse is the wallet's last submission, set by Verify.
	TokenResponse *oauth.TokenResponse `json:"token_response,omitempty"`
	// VerificationResult is the outcome of the last submission. A resubmission
	// overwrites it, so a later failing attempt never leaves a stale success behind.
	VerificationResult *policy.VerificationResult `json:"verification_result,omitempty"`
}

// OpenIDVerifier is the verifier-side engine.
type OpenIDVerifier struct {
	identifier  string
	clientID    string
	registry    *policy.Registry
	sessions    storage.SessionStore
	definitions *pe.DefinitionResolver
}

// New creates an OpenIDVerifier. The identifier is the public base URL the wallet
// reaches the verifier on, clientID identifies the verifier (typically its DID).
func New(identifier string, clientID string, registry *policy.Registry, db storage.SessionDatabase) *OpenIDVerifier {
	return &OpenIDVerifier{
		identifier:  strings.TrimSuffix(identifier, "/"),
		clientID:    clientID,
		registry:    registry,
		sessions:    db.GetStore(sessionTTL, "openid4vp", "session"),
		definitions: &pe.DefinitionResolver{},
	}
}

// InitializeAuthorization creates a presentation session and the authorization request
// the wallet must answer. With byReference the presentation definition is served from
// the verifier's own endpoint instead of inlined, which keeps the request URL short
// for large definitions. The response mode is query or direct_post.
func (v *OpenIDVerifier) InitializeAuthorization(definition pe.PresentationDefinition, policies []policy.Request, responseMode string, byReference bool) (*PresentationSession, error) {
	switch responseMode {
	case "", oauth.QueryResponseMode, oauth.DirectPostResponseMode:
	default:
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unsupported response_mode: " + responseMode}
	}
	session := &PresentationSession{
		ID:                     uuid.NewString(),
		PresentationDefinition: definition,
		Policies:               policies,
		Nonce:                  crypto.GenerateNonce(),
	}
	request := oauth.AuthorizationRequest{
		ClientID:     v.clientID,
		ResponseType: oauth.VPTokenResponseType,
		ResponseMode: responseMode,
		RedirectURI:  core.JoinURLPaths(v.identifier, "verify", session.ID),
		State:        session.ID,
		Nonce:        session.Nonce,
	}
	if byReference {
		v.definitions.Add(definition.Id, definition)
		request.PresentationDefURI = core.JoinURLPaths(v.identifier, "pd", definition.Id)
	} else {
		definitionJSON, err := json.Marshal(definition)
		if err != nil {
			return nil, err
		}
		request.PresentationDefinition = string(definitionJSON)
	}
	session.AuthorizationRequest = request
	if err := v.storeSession(session); err != nil {
		return nil, err
	}
	log.Logger().WithField("session", session.ID).Info("Initialized presentation request")
	return session, nil
}

// AuthorizationRequestURL renders the session's authorization request as a
// cross-device URL for the wallet (openid4vp://authorize?...).
func (v *OpenIDVerifier) AuthorizationRequestURL(session *PresentationSession) string {
	return AuthorizeURLScheme + "://authorize?" + session.AuthorizationRequest.ToQueryParams().Encode()
}

// GetSession returns the session with the given ID.
func (v *OpenIDVerifier) GetSession(id string) (*PresentationSession, error) {
	var session PresentationSession
	if err := v.sessions.Get(id, &session); err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unknown or expired session", InternalError: err}
	}
	return &session, nil
}

// PresentationDefinitionByID returns a presentation definition served by reference,
// or nil when unknown.
func (v *OpenIDVerifier) PresentationDefinitionByID(id string) *pe.PresentationDefinition {
	return v.definitions.ByID(id)
}

// Verify processes a wallet's authorization response for the given session.
// The submission must resolve against the session's presentation definition and the
// presentation must be bound to the session nonce; both are protocol errors when
// violated. Policy outcomes are not: they land in the session's verification result,
// which is overwritten on every submission attempt.
func (v *OpenIDVerifier) Verify(ctx context.Context, sessionID string, tokenResponse oauth.TokenResponse) (*PresentationSession, error) {
	session, err := v.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	vpToken := tokenResponse.Get(oauth.VpTokenParam)
	if vpToken == "" {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "missing vp_token"}
	}
	presentation, err := vc.ParseVerifiablePresentation(vpToken)
	if err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid vp_token", InternalError: err}
	}
	submissionRaw := tokenResponse.Get(oauth.PresentationSubmissionParam)
	if submissionRaw == "" {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "missing presentation_submission"}
	}
	submission, err := pe.ParsePresentationSubmission([]byte(submissionRaw))
	if err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid presentation_submission", InternalError: err}
	}
	if _, err := submission.Resolve(session.PresentationDefinition, *presentation); err != nil {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "presentation submission does not match the definition", InternalError: err}
	}
	if presentationChallenge(*presentation) != session.Nonce {
		return nil, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "presentation not bound to session nonce"}
	}

	result := v.registry.Evaluate(ctx, session.Policies, *presentation, presentation.VerifiableCredential)
	session.TokenResponse = &tokenResponse
	session.VerificationResult = &result
	if err := v.storeSession(session); err != nil {
		return nil, err
	}
	log.Logger().WithField("session", session.ID).Infof("Verified presentation (valid=%t)", result.Valid)
	return session, nil
}

func (v *OpenIDVerifier) storeSession(session *PresentationSession) error {
	return v.sessions.Put(session.ID, session)
}

// presentationChallenge reads the challenge from the presentation's proof,
// accepting both a single proof object and a proof list.
func presentationChallenge(presentation vc.VerifiablePresentation) string {
	asJSON, err := json.Marshal(presentation)
	if err != nil {
		return ""
	}
	var asMap interface{}
	if err := json.Unmarshal(asJSON, &asMap); err != nil {
		return ""
	}
	for _, path := range []string{"$.proof.challenge", "$.proof[0].challenge"} {
		if value, err := jsonpath.Get(path, asMap); err == nil {
			if challenge, ok := value.(string); ok {
				return challenge
			}
		}
	}
	return ""
}
