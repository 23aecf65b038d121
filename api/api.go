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

// Package api exposes the issuer and verifier engines over HTTP.
// Handlers only translate between the wire and the engines; protocol decisions
// live in the engine packages.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nuts-foundation/openid4vc/issuer"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/openid4vci"
	"github.com/nuts-foundation/openid4vc/verifier"
)

// Wrapper binds the engines to the HTTP routes.
type Wrapper struct {
	Issuer   *issuer.OpenIDIssuer
	Verifier *verifier.OpenIDVerifier
}

// Routes registers the handlers on the router.
func (w Wrapper) Routes(router *echo.Echo) {
	if w.Issuer != nil {
		router.GET(oauth.OpenIdCredIssuerWellKnown, w.GetCredentialIssuerMetadata)
		router.GET(oauth.OpenIdConfigurationWellKnown, w.GetProviderMetadata)
		router.GET(oauth.AuthzServerWellKnown, w.GetProviderMetadata)
		router.POST("/par", w.PushedAuthorizationRequest)
		router.GET("/authorize", w.Authorize)
		router.POST("/token", w.Token)
		router.POST("/credential", w.Credential)
		router.POST("/batch_credential", w.BatchCredential)
		router.POST("/credential_deferred", w.DeferredCredential)
		router.GET("/credential_offer/:id", w.CredentialOffer)
	}
	if w.Verifier != nil {
		router.POST("/verify/:id", w.VerifyPresentation)
		router.GET("/pd/:id", w.PresentationDefinition)
	}
}

// GetCredentialIssuerMetadata returns the issuer's credential issuer metadata.
func (w Wrapper) GetCredentialIssuerMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, w.Issuer.Metadata())
}

// GetProviderMetadata returns the issuer's OAuth2 authorization server metadata.
func (w Wrapper) GetProviderMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, w.Issuer.ProviderMetadata())
}

// PushedAuthorizationRequest handles a pushed authorization request (RFC9126).
func (w Wrapper) PushedAuthorizationRequest(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return writeError(c, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid form parameters", InternalError: err})
	}
	response, err := w.Issuer.ProcessPushedAuthorizationRequest(oauth.ParseAuthorizationRequest(form))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, response)
}

// Authorize handles the authorization endpoint: it redirects the user agent back to
// the wallet, carrying either the authorization response or the error.
func (w Wrapper) Authorize(c echo.Context) error {
	request := oauth.ParseAuthorizationRequest(c.QueryParams())
	redirectURL, err := w.Issuer.ProcessAuthorizationRequest(request)
	if err != nil {
		var oauthError oauth.OAuth2Error
		if errors.As(err, &oauthError) && oauthError.RedirectURI != nil {
			return c.Redirect(http.StatusFound, oauthError.RedirectURIWithError(request.State))
		}
		return writeError(c, err)
	}
	return c.Redirect(http.StatusFound, redirectURL)
}

// Token handles the token endpoint.
func (w Wrapper) Token(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return writeError(c, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid form parameters", InternalError: err})
	}
	response, err := w.Issuer.ProcessTokenRequest(oauth.ParseTokenRequest(form))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// Credential handles the credential endpoint.
func (w Wrapper) Credential(c echo.Context) error {
	accessToken, err := bearerToken(c)
	if err != nil {
		return writeError(c, err)
	}
	var request openid4vci.CredentialRequest
	if err := c.Bind(&request); err != nil {
		return writeError(c, openid4vci.Error{Code: openid4vci.InvalidRequest, Err: err, StatusCode: http.StatusBadRequest})
	}
	response, err := w.Issuer.GenerateCredentialResponse(c.Request().Context(), accessToken, request)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// BatchCredential handles the batch credential endpoint.
func (w Wrapper) BatchCredential(c echo.Context) error {
	accessToken, err := bearerToken(c)
	if err != nil {
		return writeError(c, err)
	}
	var request openid4vci.BatchCredentialRequest
	if err := c.Bind(&request); err != nil {
		return writeError(c, openid4vci.Error{Code: openid4vci.InvalidRequest, Err: err, StatusCode: http.StatusBadRequest})
	}
	response, err := w.Issuer.GenerateBatchCredentialResponse(c.Request().Context(), accessToken, request)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// DeferredCredential handles the deferred credential endpoint.
// The bearer token is the acceptance token from an earlier deferred response.
func (w Wrapper) DeferredCredential(c echo.Context) error {
	acceptanceToken, err := bearerToken(c)
	if err != nil {
		return writeError(c, err)
	}
	response, err := w.Issuer.GenerateDeferredCredentialResponse(c.Request().Context(), acceptanceToken)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// CredentialOffer serves a credential offer by reference.
func (w Wrapper) CredentialOffer(c echo.Context) error {
	offer, err := w.Issuer.GetCredentialOffer(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}

// VerifyPresentation handles the wallet's authorization response for a presentation
// session, posted as form parameters (direct_post). It responds with the verification
// result of this attempt: 200 when all policies passed, 400 with the per-policy
// reasons otherwise.
func (w Wrapper) VerifyPresentation(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return writeError(c, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "invalid form parameters", InternalError: err})
	}
	response := &oauth.TokenResponse{TokenType: oauth.BearerTokenType}
	if vpToken := form.Get(oauth.VpTokenParam); vpToken != "" {
		response.With(oauth.VpTokenParam, vpToken)
	}
	if submission := form.Get(oauth.PresentationSubmissionParam); submission != "" {
		response.With(oauth.PresentationSubmissionParam, submission)
	}
	session, err := w.Verifier.Verify(c.Request().Context(), c.Param("id"), *response)
	if err != nil {
		return writeError(c, err)
	}
	if !session.VerificationResult.Valid {
		// the result body carries the per-policy reasons
		return c.JSON(http.StatusBadRequest, session.VerificationResult)
	}
	return c.JSON(http.StatusOK, session.VerificationResult)
}

// PresentationDefinition serves a presentation definition by reference.
func (w Wrapper) PresentationDefinition(c echo.Context) error {
	definition := w.Verifier.PresentationDefinitionByID(c.Param("id"))
	if definition == nil {
		return c.JSON(http.StatusNotFound, oauth.OAuth2Error{Code: oauth.InvalidRequest, Description: "unknown presentation definition"})
	}
	return c.JSON(http.StatusOK, definition)
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", openid4vci.Error{Code: openid4vci.InvalidToken, StatusCode: http.StatusUnauthorized}
	}
	return strings.TrimSpace(header[len("bearer "):]), nil
}

// writeError renders a protocol error as a JSON response with its originating status.
// Unexpected errors are logged and masked as server_error.
func writeError(c echo.Context, err error) error {
	var protocolError openid4vci.Error
	if errors.As(err, &protocolError) {
		status := protocolError.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		return c.JSON(status, protocolError)
	}
	var oauthError oauth.OAuth2Error
	if errors.As(err, &oauthError) {
		return c.JSON(oauthError.StatusCode(), oauthError)
	}
	log.Logger().WithError(err).Error("Unexpected error handling request")
	return c.JSON(http.StatusInternalServerError, oauth.OAuth2Error{Code: oauth.ServerError})
}
