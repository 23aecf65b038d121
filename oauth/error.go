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
	"net/http"
	"net/url"

	"github.com/nuts-foundation/openid4vc/core"
)

// ErrorCode specifies error codes as defined by RFC6749 and the OpenID4VP specification.
type ErrorCode string

const (
	// InvalidRequest is returned when the request is missing a required parameter,
	// includes an invalid parameter value or is otherwise malformed.
	InvalidRequest ErrorCode = "invalid_request"
	// InvalidClient is returned when client authentication failed, e.g. an unknown client.
	InvalidClient ErrorCode = "invalid_client"
	// InvalidGrant is returned when the provided authorization grant (e.g. authorization code,
	// pre-authorized code) is invalid, expired or was issued to another client,
	// or when the provided user PIN does not match.
	InvalidGrant ErrorCode = "invalid_grant"
	// InvalidScope is returned when the requested scope is invalid or unknown.
	InvalidScope ErrorCode = "invalid_scope"
	// AccessDenied is returned when the resource owner or authorization server denied the request.
	AccessDenied ErrorCode = "access_denied"
	// UnsupportedGrantType is returned when the authorization server does not support the requested grant type.
	UnsupportedGrantType ErrorCode = "unsupported_grant_type"
	// UnsupportedResponseType is returned when the authorization server does not support the requested response type.
	UnsupportedResponseType ErrorCode = "unsupported_response_type"
	// ServerError is returned when the server encounters an unexpected condition that prevents it from
	// fulfilling the request. Details of the underlying failure never leave the server.
	ServerError ErrorCode = "server_error"
)

// OAuth2Error is an OAuth2/OpenID4VP protocol error. These errors are expected outcomes:
// they are returned to the client, either as JSON or as error parameters on a redirect.
type OAuth2Error struct {
	// Code is the error code as defined by RFC6749.
	Code ErrorCode `json:"error"`
	// Description is a human-readable description of the error, returned to the client.
	Description string `json:"error_description,omitempty"`
	// InternalError is the underlying error, not intended to be returned to the client.
	InternalError error `json:"-"`
	// RedirectURI is the validated redirect URI to deliver the error to, if the flow got far enough.
	RedirectURI *url.URL `json:"-"`
}

// Error returns the error message, which is the description or the code if there is no description.
func (e OAuth2Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + " - " + e.Description
}

// StatusCode returns the HTTP status code to use when rendering this error as a JSON response.
func (e OAuth2Error) StatusCode() int {
	switch e.Code {
	case ServerError:
		return http.StatusInternalServerError
	case InvalidClient:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// RedirectURIWithError renders the error as query parameters on the error's redirect URI.
// Only call when RedirectURI is set.
func (e OAuth2Error) RedirectURIWithError(state string) string {
	params := map[string]string{
		ErrorParam: string(e.Code),
	}
	if e.Description != "" {
		params[ErrorDescriptionParam] = e.Description
	}
	if state != "" {
		params[StateParam] = state
	}
	redirectURI := core.AddQueryParams(*e.RedirectURI, params)
	return redirectURI.String()
}
