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

package holder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/nuts-foundation/openid4vc/core"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/openid4vci"
)

// metadata fetches are retried, issuers may come up slightly after their offer reaches the wallet
const metadataFetchAttempts = 4
const metadataFetchDelay = 250 * time.Millisecond

// IssuerClient is the HTTP client for a single credential issuer, used by the wallet
// to drive the issuance protocol. It loads and caches the issuer's metadata on creation.
type IssuerClient struct {
	identifier       string
	httpClient       core.HTTPRequestDoer
	metadata         openid4vci.CredentialIssuerMetadata
	providerMetadata oauth.AuthorizationServerMetadata
}

// NewIssuerClient resolves the issuer's credential issuer metadata and OAuth2 provider metadata.
// The given HTTP client must not follow redirects if the authorization endpoint is to be used
// (the wallet reads the redirect Location itself).
func NewIssuerClient(ctx context.Context, httpClient core.HTTPRequestDoer, credentialIssuerIdentifier string) (*IssuerClient, error) {
	if credentialIssuerIdentifier == "" {
		return nil, errors.New("empty credential issuer identifier")
	}
	client := &IssuerClient{
		identifier: strings.TrimSuffix(credentialIssuerIdentifier, "/"),
		httpClient: httpClient,
	}
	if err := retry.Do(func() error {
		return client.loadMetadata(ctx)
	}, retry.Attempts(metadataFetchAttempts), retry.Delay(metadataFetchDelay), retry.Context(ctx), retry.LastErrorOnly(true)); err != nil {
		return nil, fmt.Errorf("unable to load issuer metadata (issuer=%s): %w", credentialIssuerIdentifier, err)
	}
	return client, nil
}

func (c *IssuerClient) loadMetadata(ctx context.Context) error {
	var metadata openid4vci.CredentialIssuerMetadata
	if err := httpGet(ctx, c.httpClient, openid4vci.WellKnownMetadataPath(c.identifier), &metadata); err != nil {
		return err
	}
	if metadata.CredentialIssuer != c.identifier {
		return fmt.Errorf("invalid credential issuer in metadata: %s", metadata.CredentialIssuer)
	}
	if metadata.CredentialEndpoint == "" {
		return errors.New("missing credential_endpoint in metadata")
	}
	// the issuer may delegate to a separate authorization server
	authorizationServer := metadata.AuthorizationServer
	if authorizationServer == "" {
		authorizationServer = c.identifier
	}
	var providerMetadata oauth.AuthorizationServerMetadata
	if err := httpGet(ctx, c.httpClient, core.JoinURLPaths(authorizationServer, oauth.OpenIdConfigurationWellKnown), &providerMetadata); err != nil {
		return err
	}
	if providerMetadata.TokenEndpoint == "" {
		return errors.New("missing token_endpoint in provider metadata")
	}
	c.metadata = metadata
	c.providerMetadata = providerMetadata
	return nil
}

// Metadata returns the issuer's credential issuer metadata.
func (c *IssuerClient) Metadata() openid4vci.CredentialIssuerMetadata {
	return c.metadata
}

// ProviderMetadata returns the issuer's OAuth2 authorization server metadata.
func (c *IssuerClient) ProviderMetadata() oauth.AuthorizationServerMetadata {
	return c.providerMetadata
}

// PushAuthorizationRequest posts the authorization request to the PAR endpoint.
func (c *IssuerClient) PushAuthorizationRequest(ctx context.Context, request oauth.AuthorizationRequest) (*oauth.PushedAuthorizationResponse, error) {
	endpoint := c.providerMetadata.PushedAuthorizationRequestEndpoint
	if endpoint == "" {
		return nil, errors.New("issuer does not support pushed authorization requests")
	}
	var response oauth.PushedAuthorizationResponse
	if err := httpPostForm(ctx, c.httpClient, endpoint, request.ToQueryParams(), &response); err != nil {
		return nil, fmt.Errorf("unable to push authorization request: %w", err)
	}
	return &response, nil
}

// Authorize sends the authorization request to the authorization endpoint and returns
// the redirect location. The wallet acts as its own user agent here, so the HTTP client
// must not follow the redirect.
func (c *IssuerClient) Authorize(ctx context.Context, request oauth.AuthorizationRequest) (*url.URL, error) {
	endpoint, err := url.Parse(c.providerMetadata.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	endpoint.RawQuery = request.ToQueryParams().Encode()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("authorize request failed: %w", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusFound && httpResponse.StatusCode != http.StatusSeeOther {
		return nil, fmt.Errorf("authorize request returned unexpected status: %s", httpResponse.Status)
	}
	location := httpResponse.Header.Get("Location")
	if location == "" {
		return nil, errors.New("authorize response misses Location header")
	}
	redirect, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location: %w", err)
	}
	if errorCode := redirect.Query().Get(oauth.ErrorParam); errorCode != "" {
		return nil, oauth.OAuth2Error{
			Code:        oauth.ErrorCode(errorCode),
			Description: redirect.Query().Get(oauth.ErrorDescriptionParam),
		}
	}
	return redirect, nil
}

// RequestAccessToken posts the token request to the token endpoint.
func (c *IssuerClient) RequestAccessToken(ctx context.Context, request oauth.TokenRequest) (*oauth.TokenResponse, error) {
	var response oauth.TokenResponse
	if err := httpPostForm(ctx, c.httpClient, c.providerMetadata.TokenEndpoint, request.ToFormValues(), &response); err != nil {
		return nil, fmt.Errorf("unable to request access token: %w", err)
	}
	return &response, nil
}

// RequestCredential requests a single credential from the credential endpoint.
func (c *IssuerClient) RequestCredential(ctx context.Context, request openid4vci.CredentialRequest, accessToken string) (*openid4vci.CredentialResponse, error) {
	var response openid4vci.CredentialResponse
	if err := httpPostJSON(ctx, c.httpClient, c.metadata.CredentialEndpoint, request, accessToken, &response); err != nil {
		return nil, fmt.Errorf("unable to request credential: %w", err)
	}
	return &response, nil
}

// RequestCredentialBatch requests multiple credentials in one call.
func (c *IssuerClient) RequestCredentialBatch(ctx context.Context, request openid4vci.BatchCredentialRequest, accessToken string) (*openid4vci.BatchCredentialResponse, error) {
	if c.metadata.BatchCredentialEndpoint == "" {
		return nil, errors.New("issuer does not support batch credential requests")
	}
	var response openid4vci.BatchCredentialResponse
	if err := httpPostJSON(ctx, c.httpClient, c.metadata.BatchCredentialEndpoint, request, accessToken, &response); err != nil {
		return nil, fmt.Errorf("unable to request credential batch: %w", err)
	}
	return &response, nil
}

// RequestDeferredCredential polls the deferred credential endpoint with an acceptance token.
func (c *IssuerClient) RequestDeferredCredential(ctx context.Context, acceptanceToken string) (*openid4vci.CredentialResponse, error) {
	if c.metadata.DeferredCredentialEndpoint == "" {
		return nil, errors.New("issuer does not support deferred credentials")
	}
	var response openid4vci.CredentialResponse
	if err := httpPostJSON(ctx, c.httpClient, c.metadata.DeferredCredentialEndpoint, struct{}{}, acceptanceToken, &response); err != nil {
		return nil, fmt.Errorf("unable to request deferred credential: %w", err)
	}
	return &response, nil
}

func httpGet(ctx context.Context, client core.HTTPRequestDoer, targetURL string, result interface{}) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return err
	}
	return httpDo(client, httpRequest, result)
}

func httpPostForm(ctx context.Context, client core.HTTPRequestDoer, targetURL string, form url.Values, result interface{}) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return httpDo(client, httpRequest, result)
}

func httpPostJSON(ctx context.Context, client core.HTTPRequestDoer, targetURL string, body interface{}, accessToken string, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return httpDo(client, httpRequest, result)
}

// httpDo executes the request and unmarshals the 2xx response body into result.
// Non-2xx responses are surfaced as the protocol error the body carries, when parseable.
func httpDo(client core.HTTPRequestDoer, httpRequest *http.Request, result interface{}) error {
	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("http request error: %w", err)
	}
	defer httpResponse.Body.Close()
	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("unable to read response body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		if protocolError := parseErrorBody(responseBody, httpResponse.StatusCode); protocolError != nil {
			return protocolError
		}
		return fmt.Errorf("unexpected status code %d from %s", httpResponse.StatusCode, httpRequest.URL)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, result); err != nil {
		log.Logger().WithError(err).Debugf("Unparseable response from %s", httpRequest.URL)
		return fmt.Errorf("unable to unmarshal response: %w", err)
	}
	return nil
}

func parseErrorBody(responseBody []byte, statusCode int) error {
	var protocolError openid4vci.Error
	if err := json.Unmarshal(responseBody, &protocolError); err != nil || protocolError.Code == "" {
		return nil
	}
	protocolError.StatusCode = statusCode
	return protocolError
}
