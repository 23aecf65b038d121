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
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenResponse_JSON(t *testing.T) {
	t.Run("round trip preserves additional params", func(t *testing.T) {
		expiresIn := 300
		response := (&TokenResponse{
			AccessToken: "secret",
			TokenType:   BearerTokenType,
			ExpiresIn:   &expiresIn,
		}).With(CNonceParam, "nonce-value")

		data, err := json.Marshal(response)
		require.NoError(t, err)

		var actual TokenResponse
		require.NoError(t, json.Unmarshal(data, &actual))

		assert.Equal(t, "secret", actual.AccessToken)
		assert.Equal(t, BearerTokenType, actual.TokenType)
		assert.Equal(t, 300, *actual.ExpiresIn)
		assert.Equal(t, "nonce-value", actual.Get(CNonceParam))
	})

	t.Run("omits empty optional fields", func(t *testing.T) {
		data, err := json.Marshal(TokenResponse{AccessToken: "secret", TokenType: BearerTokenType})
		require.NoError(t, err)

		assert.JSONEq(t, `{"access_token":"secret","token_type":"bearer"}`, string(data))
	})

	t.Run("Get on unknown param", func(t *testing.T) {
		assert.Empty(t, TokenResponse{}.Get("unknown"))
	})
}

func TestAuthorizationRequest_RoundTrip(t *testing.T) {
	request := AuthorizationRequest{
		ClientID:            "did:example:wallet",
		ResponseType:        CodeResponseType,
		RedirectURI:         "https://wallet.example.com/callback",
		Scope:               "openid",
		State:               "state-value",
		Nonce:               "nonce-value",
		IssuerState:         "issuer-state",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}

	actual := ParseAuthorizationRequest(request.ToQueryParams())

	assert.Equal(t, request, actual)
}

func TestAuthorizationRequest_ToQueryParams(t *testing.T) {
	t.Run("zero-valued fields are omitted", func(t *testing.T) {
		params := AuthorizationRequest{ClientID: "client"}.ToQueryParams()

		assert.Len(t, params, 1)
		assert.Equal(t, "client", params.Get(ClientIDParam))
	})
}

func TestTokenRequest_RoundTrip(t *testing.T) {
	request := TokenRequest{
		GrantType:         PreAuthorizedCodeGrantType,
		PreAuthorizedCode: "code-value",
		UserPin:           "123456",
		ClientID:          "did:example:wallet",
	}

	actual := ParseTokenRequest(request.ToFormValues())

	assert.Equal(t, request, actual)
}

func TestOAuth2Error(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		assert.EqualError(t, OAuth2Error{Code: InvalidRequest}, "invalid_request")
		assert.EqualError(t, OAuth2Error{Code: InvalidGrant, Description: "PIN mismatch"}, "invalid_grant - PIN mismatch")
	})

	t.Run("status codes", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, OAuth2Error{Code: InvalidRequest}.StatusCode())
		assert.Equal(t, http.StatusUnauthorized, OAuth2Error{Code: InvalidClient}.StatusCode())
		assert.Equal(t, http.StatusInternalServerError, OAuth2Error{Code: ServerError, InternalError: errors.New("boom")}.StatusCode())
	})

	t.Run("internal error is not rendered to the client", func(t *testing.T) {
		data, err := json.Marshal(OAuth2Error{Code: ServerError, InternalError: errors.New("db exploded")})

		require.NoError(t, err)
		assert.JSONEq(t, `{"error":"server_error"}`, string(data))
	})

	t.Run("redirect rendering", func(t *testing.T) {
		redirectURI, _ := url.Parse("https://wallet.example.com/callback")
		oauthErr := OAuth2Error{Code: AccessDenied, Description: "policy failed", RedirectURI: redirectURI}

		actual, err := url.Parse(oauthErr.RedirectURIWithError("state-value"))

		require.NoError(t, err)
		assert.Equal(t, "access_denied", actual.Query().Get(ErrorParam))
		assert.Equal(t, "policy failed", actual.Query().Get(ErrorDescriptionParam))
		assert.Equal(t, "state-value", actual.Query().Get(StateParam))
	})
}
