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

package oauth

import (
	"net/url"
)

// AuthorizationRequest holds the parameters of an OAuth2/OpenID4VP authorization request.
// It round-trips through query parameters: ParseAuthorizationRequest(r.ToQueryParams()) yields
// an equivalent request.
type AuthorizationRequest struct {
	ClientID               string
	ResponseType           string
	ResponseMode           string
	RedirectURI            string
	Scope                  string
	State                  string
	Nonce                  string
	IssuerState            string
	CodeChallenge          string
	CodeChallengeMethod    string
	AuthorizationDetails   string
	PresentationDefinition string
	PresentationDefURI     string
	RequestURI             string
}

// ToQueryParams renders the request as authorization endpoint query parameters.
// Zero-valued fields are omitted.
func (r AuthorizationRequest) ToQueryParams() url.Values {
	result := url.Values{}
	setIfPresent := func(key, value string) {
		if value != "" {
			result.Set(key, value)
		}
	}
	setIfPresent(ClientIDParam, r.ClientID)
	setIfPresent(ResponseTypeParam, r.ResponseType)
	setIfPresent(ResponseModeParam, r.ResponseMode)
	setIfPresent(RedirectURIParam, r.RedirectURI)
	setIfPresent(ScopeParam, r.Scope)
	setIfPresent(StateParam, r.State)
	setIfPresent(NonceParam, r.Nonce)
	setIfPresent(IssuerStateParam, r.IssuerState)
	setIfPresent(CodeChallengeParam, r.CodeChallenge)
	setIfPresent(CodeChallengeMethodParam, r.CodeChallengeMethod)
	setIfPresent(AuthorizationDetailsParam, r.AuthorizationDetails)
	setIfPresent(PresentationDefParam, r.PresentationDefinition)
	setIfPresent(PresentationDefUriParam, r.PresentationDefURI)
	setIfPresent(RequestURIParam, r.RequestURI)
	return result
}

// ParseAuthorizationRequest reads an AuthorizationRequest from query (or form) parameters.
func ParseAuthorizationRequest(params url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:               params.Get(ClientIDParam),
		ResponseType:           params.Get(ResponseTypeParam),
		ResponseMode:           params.Get(ResponseModeParam),
		RedirectURI:            params.Get(RedirectURIParam),
		Scope:                  params.Get(ScopeParam),
		State:                  params.Get(StateParam),
		Nonce:                  params.Get(NonceParam),
		IssuerState:            params.Get(IssuerStateParam),
		CodeChallenge:          params.Get(CodeChallengeParam),
		CodeChallengeMethod:    params.Get(CodeChallengeMethodParam),
		AuthorizationDetails:   params.Get(AuthorizationDetailsParam),
		PresentationDefinition: params.Get(PresentationDefParam),
		PresentationDefURI:     params.Get(PresentationDefUriParam),
		RequestURI:             params.Get(RequestURIParam),
	}
}

// TokenRequest holds the parameters of a token endpoint request (application/x-www-form-urlencoded).
type TokenRequest struct {
	GrantType         string
	Code              string
	PreAuthorizedCode string
	UserPin           string
	RedirectURI       string
	ClientID          string
	CodeVerifier      string
}

// ToFormValues renders the request as token endpoint form parameters.
func (r TokenRequest) ToFormValues() url.Values {
	result := url.Values{}
	setIfPresent := func(key, value string) {
		if value != "" {
			result.Set(key, value)
		}
	}
	setIfPresent(GrantTypeParam, r.GrantType)
	setIfPresent(CodeParam, r.Code)
	setIfPresent(PreAuthorizedCodeParam, r.PreAuthorizedCode)
	setIfPresent(UserPinParam, r.UserPin)
	setIfPresent(RedirectURIParam, r.RedirectURI)
	setIfPresent(ClientIDParam, r.ClientID)
	setIfPresent(CodeVerifierParam, r.CodeVerifier)
	return result
}

// ParseTokenRequest reads a TokenRequest from form parameters.
func ParseTokenRequest(params url.Values) TokenRequest {
	return TokenRequest{
		GrantType:         params.Get(GrantTypeParam),
		Code:              params.Get(CodeParam),
		PreAuthorizedCode: params.Get(PreAuthorizedCodeParam),
		UserPin:           params.Get(UserPinParam),
		RedirectURI:       params.Get(RedirectURIParam),
		ClientID:          params.Get(ClientIDParam),
		CodeVerifier:      params.Get(CodeVerifierParam),
	}
}
