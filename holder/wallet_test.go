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
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/crypto"
	"github.com/nuts-foundation/openid4vc/oauth"
	"github.com/nuts-foundation/openid4vc/openid4vci"
	"github.com/nuts-foundation/openid4vc/pe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walletDid = "did:example:wallet"
const walletKid = walletDid + "#key-1"
const preAuthCode = "pre-auth-code"

const degreeCredentialJSON = `{
  "@context": ["https://www.w3.org/2018/credentials/v1"],
  "id": "did:example:university#degree-1",
  "type": ["VerifiableCredential", "UniversityDegreeCredential"],
  "issuer": "did:example:university",
  "issuanceDate": "2024-01-01T00:00:00Z",
  "credentialSubject": {
    "id": "did:example:wallet",
    "degree": {"type": "BachelorDegree", "name": "Bachelor of Science"}
  }
}`

// testIssuer is a scripted credential issuer backed by httptest, recording
// the nonces the wallet binds its proofs to.
type testIssuer struct {
	t             *testing.T
	server        *httptest.Server
	publicKey     stdcrypto.PublicKey
	withBatch     bool
	withoutPAR    bool
	pinRequired   bool
	failBatchItem int

	cNonce        string
	nonceCounter  int
	proofNonces   []string
	pushedParams  url.Values
	codeChallenge string
	issuedCode    string
	tokenRequests []url.Values
}

func startTestIssuer(t *testing.T, publicKey stdcrypto.PublicKey) *testIssuer {
	issuer := &testIssuer{
		t:             t,
		publicKey:     publicKey,
		cNonce:        "nonce-1",
		nonceCounter:  1,
		failBatchItem: -1,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-credential-issuer", issuer.handleMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", issuer.handleProviderMetadata)
	mux.HandleFunc("/par", issuer.handlePar)
	mux.HandleFunc("/authorize", issuer.handleAuthorize)
	mux.HandleFunc("/token", issuer.handleToken)
	mux.HandleFunc("/credential", issuer.handleCredential)
	mux.HandleFunc("/batch_credential", issuer.handleBatchCredential)
	issuer.server = httptest.NewServer(mux)
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (ti *testIssuer) offer() openid4vci.CredentialOffer {
	return openid4vci.CredentialOffer{
		CredentialIssuer: ti.server.URL,
		Credentials:      []string{"UniversityDegreeCredential", "DriverLicenseCredential"},
		Grants: &openid4vci.Grants{
			PreAuthorizedCode: &openid4vci.PreAuthorizedCodeGrant{
				PreAuthorizedCode: preAuthCode,
				UserPinRequired:   ti.pinRequired,
			},
			AuthorizationCode: &openid4vci.AuthorizationCodeGrant{IssuerState: "session-1"},
		},
	}
}

func (ti *testIssuer) rotateNonce() {
	ti.nonceCounter++
	ti.cNonce = fmt.Sprintf("nonce-%d", ti.nonceCounter)
}

func (ti *testIssuer) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	metadata := openid4vci.CredentialIssuerMetadata{
		CredentialIssuer:   ti.server.URL,
		CredentialEndpoint: ti.server.URL + "/credential",
		CredentialsSupported: []openid4vci.CredentialSupported{
			{ID: "UniversityDegreeCredential", Format: openid4vci.VerifiableCredentialJSONLDFormat, Types: []string{"VerifiableCredential", "UniversityDegreeCredential"}},
			{ID: "DriverLicenseCredential", Format: openid4vci.VerifiableCredentialJSONLDFormat, Types: []string{"VerifiableCredential", "DriverLicenseCredential"}},
		},
	}
	if ti.withBatch {
		metadata.BatchCredentialEndpoint = ti.server.URL + "/batch_credential"
	}
	_ = json.NewEncoder(w).Encode(metadata)
}

func (ti *testIssuer) handleProviderMetadata(w http.ResponseWriter, _ *http.Request) {
	metadata := oauth.AuthorizationServerMetadata{
		Issuer:                ti.server.URL,
		AuthorizationEndpoint: ti.server.URL + "/authorize",
		TokenEndpoint:         ti.server.URL + "/token",
	}
	if !ti.withoutPAR {
		metadata.PushedAuthorizationRequestEndpoint = ti.server.URL + "/par"
	}
	_ = json.NewEncoder(w).Encode(metadata)
}

func (ti *testIssuer) handlePar(w http.ResponseWriter, r *http.Request) {
	require.NoError(ti.t, r.ParseForm())
	ti.pushedParams = r.PostForm
	_ = json.NewEncoder(w).Encode(oauth.PushedAuthorizationResponse{
		RequestURI: oauth.RequestURIPrefix + "pushed-1",
		ExpiresIn:  300,
	})
}

func (ti *testIssuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if params.Get(oauth.RequestURIParam) != "" {
		require.Equal(ti.t, oauth.RequestURIPrefix+"pushed-1", params.Get(oauth.RequestURIParam))
		params = ti.pushedParams
	}
	ti.codeChallenge = params.Get(oauth.CodeChallengeParam)
	ti.issuedCode = "authorization-code-1"
	redirectURI, err := url.Parse(params.Get(oauth.RedirectURIParam))
	require.NoError(ti.t, err)
	query := redirectURI.Query()
	query.Set(oauth.CodeParam, ti.issuedCode)
	query.Set(oauth.StateParam, params.Get(oauth.StateParam))
	redirectURI.RawQuery = query.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (ti *testIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(ti.t, r.ParseForm())
	ti.tokenRequests = append(ti.tokenRequests, r.PostForm)
	request := oauth.ParseTokenRequest(r.PostForm)
	switch request.GrantType {
	case oauth.PreAuthorizedCodeGrantType:
		if request.PreAuthorizedCode != preAuthCode || (ti.pinRequired && request.UserPin != "1234") {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
	case oauth.AuthorizationCodeGrantType:
		if request.Code != ti.issuedCode || s256Challenge(request.CodeVerifier) != ti.codeChallenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		return
	}
	response := (&oauth.TokenResponse{
		AccessToken: "access-token",
		TokenType:   oauth.BearerTokenType,
	}).With(oauth.CNonceParam, ti.cNonce)
	_ = json.NewEncoder(w).Encode(response)
}

// proofNonce verifies the proof JWT and returns its nonce claim.
func (ti *testIssuer) proofNonce(proof *openid4vci.Proof) string {
	require.NotNil(ti.t, proof)
	token, err := crypto.ParseJWT(proof.Jwt, func(_ string) (stdcrypto.PublicKey, error) {
		return ti.publicKey, nil
	})
	require.NoError(ti.t, err)
	nonce, _ := token.Get("nonce")
	nonceString, _ := nonce.(string)
	ti.proofNonces = append(ti.proofNonces, nonceString)
	return nonceString
}

func (ti *testIssuer) handleCredential(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
		return
	}
	var request openid4vci.CredentialRequest
	require.NoError(ti.t, json.NewDecoder(r.Body).Decode(&request))
	if ti.proofNonce(request.Proof) != ti.cNonce {
		ti.rotateNonce()
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(openid4vci.Error{Code: openid4vci.InvalidOrMissingProof, CNonce: ti.cNonce})
		return
	}
	ti.rotateNonce()
	credential, err := vc.ParseVerifiableCredential(degreeCredentialJSON)
	require.NoError(ti.t, err)
	_ = json.NewEncoder(w).Encode(openid4vci.CredentialResponse{
		Format:     request.Format,
		Credential: credential,
		CNonce:     ti.cNonce,
	})
}

func (ti *testIssuer) handleBatchCredential(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
		return
	}
	var batchRequest openid4vci.BatchCredentialRequest
	require.NoError(ti.t, json.NewDecoder(r.Body).Decode(&batchRequest))
	credential, err := vc.ParseVerifiableCredential(degreeCredentialJSON)
	require.NoError(ti.t, err)
	var items []openid4vci.BatchCredentialResponseItem
	for i, request := range batchRequest.CredentialRequests {
		if i == ti.failBatchItem || ti.proofNonce(request.Proof) != ti.cNonce {
			items = append(items, openid4vci.BatchCredentialResponseItem{
				Error:            string(openid4vci.InvalidOrMissingProof),
				ErrorDescription: "proof not bound to nonce",
			})
			continue
		}
		items = append(items, openid4vci.BatchCredentialResponseItem{
			Format:     request.Format,
			Credential: credential,
		})
	}
	ti.rotateNonce()
	_ = json.NewEncoder(w).Encode(openid4vci.BatchCredentialResponse{
		CredentialResponses: items,
		CNonce:              ti.cNonce,
	})
}

type walletTestContext struct {
	wallet *OpenIDWallet
	issuer *testIssuer
}

func createWallet(t *testing.T, presenter PresentationCapability) walletTestContext {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer := crypto.MemoryJWTSigner{Signer: privateKey, Kid: walletKid}
	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return walletTestContext{
		wallet: New(walletDid, walletKid, signer, httpClient, presenter),
		issuer: startTestIssuer(t, privateKey.Public()),
	}
}

func TestOpenIDWallet_ResolveCredentialOffer(t *testing.T) {
	ctx := createWallet(t, nil)
	offer := ctx.issuer.offer()
	offerJSON, _ := json.Marshal(offer)

	t.Run("inline offer", func(t *testing.T) {
		params := url.Values{"credential_offer": []string{string(offerJSON)}}
		actual, err := ctx.wallet.ResolveCredentialOffer(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, offer, *actual)
	})
	t.Run("offer by reference", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(offerJSON)
		}))
		defer server.Close()
		params := url.Values{"credential_offer_uri": []string{server.URL}}
		actual, err := ctx.wallet.ResolveCredentialOffer(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, offer, *actual)
	})
	t.Run("both inline and by reference", func(t *testing.T) {
		params := url.Values{
			"credential_offer":     []string{string(offerJSON)},
			"credential_offer_uri": []string{"https://example.com/offer"},
		}
		_, err := ctx.wallet.ResolveCredentialOffer(context.Background(), params)
		assert.EqualError(t, err, "credential offer contains both credential_offer and credential_offer_uri")
	})
	t.Run("neither", func(t *testing.T) {
		_, err := ctx.wallet.ResolveCredentialOffer(context.Background(), url.Values{})
		assert.EqualError(t, err, "credential offer contains neither credential_offer nor credential_offer_uri")
	})
	t.Run("invalid offer", func(t *testing.T) {
		params := url.Values{"credential_offer": []string{`{"credentials": ["some-id"]}`}}
		_, err := ctx.wallet.ResolveCredentialOffer(context.Background(), params)
		assert.Error(t, err)
	})
}

func TestResolveOfferedCredentials(t *testing.T) {
	metadata := openid4vci.CredentialIssuerMetadata{
		CredentialsSupported: []openid4vci.CredentialSupported{
			{ID: "UniversityDegreeCredential", Format: openid4vci.VerifiableCredentialJSONLDFormat},
		},
	}

	t.Run("unknown ids are dropped", func(t *testing.T) {
		offer := openid4vci.CredentialOffer{Credentials: []string{"UniversityDegreeCredential", "UnknownCredential"}}
		offered, err := ResolveOfferedCredentials(offer, metadata)
		require.NoError(t, err)
		require.Len(t, offered, 1)
		assert.Equal(t, "UniversityDegreeCredential", offered[0].ID)
	})
	t.Run("error when nothing remains", func(t *testing.T) {
		offer := openid4vci.CredentialOffer{Credentials: []string{"UnknownCredential"}}
		_, err := ResolveOfferedCredentials(offer, metadata)
		assert.EqualError(t, err, "offered credentials do not match the issuer metadata")
	})
}

func TestOpenIDWallet_GenerateDidProof(t *testing.T) {
	ctx := createWallet(t, nil)

	proof, err := ctx.wallet.GenerateDidProof(context.Background(), "https://issuer.example.com", "nonce-42")
	require.NoError(t, err)
	assert.Equal(t, openid4vci.ProofTypeJWT, proof.ProofType)

	typ, err := crypto.JWTTyp(proof.Jwt)
	require.NoError(t, err)
	assert.Equal(t, openid4vci.JWTTypeOpenID4VCIProof, typ)
	kid, _, err := crypto.JWTKidAlg(proof.Jwt)
	require.NoError(t, err)
	assert.Equal(t, walletKid, kid)
	assert.Equal(t, "nonce-42", ctx.issuer.proofNonce(proof))
}

func TestOpenIDWallet_ExecutePreAuthorizedCodeFlow(t *testing.T) {
	t.Run("ok - sequential requests thread the rotated nonce", func(t *testing.T) {
		ctx := createWallet(t, nil)

		responses, err := ctx.wallet.ExecutePreAuthorizedCodeFlow(context.Background(), ctx.issuer.offer(), "")

		require.NoError(t, err)
		require.Len(t, responses, 2)
		assert.NotNil(t, responses[0].Credential)
		assert.NotNil(t, responses[1].Credential)
		assert.Equal(t, []string{"nonce-1", "nonce-2"}, ctx.issuer.proofNonces)
	})
	t.Run("pin required but not given", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.pinRequired = true

		_, err := ctx.wallet.ExecutePreAuthorizedCodeFlow(context.Background(), ctx.issuer.offer(), "")

		assert.EqualError(t, err, "credential offer requires a user PIN")
	})
	t.Run("wrong pin", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.pinRequired = true

		_, err := ctx.wallet.ExecutePreAuthorizedCodeFlow(context.Background(), ctx.issuer.offer(), "0000")

		require.Error(t, err)
		var protocolError openid4vci.Error
		require.ErrorAs(t, err, &protocolError)
		assert.Equal(t, openid4vci.InvalidGrant, protocolError.Code)
	})
	t.Run("correct pin", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.pinRequired = true

		responses, err := ctx.wallet.ExecutePreAuthorizedCodeFlow(context.Background(), ctx.issuer.offer(), "1234")

		require.NoError(t, err)
		assert.Len(t, responses, 2)
	})
	t.Run("offer without pre-authorized code grant", func(t *testing.T) {
		ctx := createWallet(t, nil)
		offer := ctx.issuer.offer()
		offer.Grants = nil

		_, err := ctx.wallet.ExecutePreAuthorizedCodeFlow(context.Background(), offer, "")

		assert.EqualError(t, err, "credential offer does not contain a pre-authorized code grant")
	})
}

func TestOpenIDWallet_ExecuteFullAuthIssuance(t *testing.T) {
	const redirectURI = "https://wallet.example.com/callback"

	t.Run("ok - with pushed authorization request", func(t *testing.T) {
		ctx := createWallet(t, nil)

		responses, err := ctx.wallet.ExecuteFullAuthIssuance(context.Background(), ctx.issuer.offer(), redirectURI)

		require.NoError(t, err)
		require.Len(t, responses, 2)
		assert.NotNil(t, responses[0].Credential)
		assert.NotNil(t, responses[1].Credential)
		// c_nonce from the token response is used for the first proof, the rotated one for the second
		assert.Equal(t, []string{"nonce-1", "nonce-2"}, ctx.issuer.proofNonces)

		require.NotNil(t, ctx.issuer.pushedParams)
		assert.Equal(t, "session-1", ctx.issuer.pushedParams.Get(oauth.IssuerStateParam))
		assert.NotEmpty(t, ctx.issuer.pushedParams.Get(oauth.CodeChallengeParam))
		assert.Equal(t, "S256", ctx.issuer.pushedParams.Get(oauth.CodeChallengeMethodParam))

		require.Len(t, ctx.issuer.tokenRequests, 1)
		tokenRequest := oauth.ParseTokenRequest(ctx.issuer.tokenRequests[0])
		assert.Equal(t, oauth.AuthorizationCodeGrantType, tokenRequest.GrantType)
		assert.NotEmpty(t, tokenRequest.CodeVerifier)
		assert.Equal(t, redirectURI, tokenRequest.RedirectURI)
	})
	t.Run("ok - without pushed authorization request", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.withoutPAR = true

		responses, err := ctx.wallet.ExecuteFullAuthIssuance(context.Background(), ctx.issuer.offer(), redirectURI)

		require.NoError(t, err)
		assert.Len(t, responses, 2)
		assert.Nil(t, ctx.issuer.pushedParams)
	})
	t.Run("batch endpoint - one proof nonce for the whole batch", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.withBatch = true

		responses, err := ctx.wallet.ExecuteFullAuthIssuance(context.Background(), ctx.issuer.offer(), redirectURI)

		require.NoError(t, err)
		require.Len(t, responses, 2)
		assert.Equal(t, []string{"nonce-1", "nonce-1"}, ctx.issuer.proofNonces)
		assert.Equal(t, "nonce-2", responses[0].CNonce)
		assert.Equal(t, "nonce-2", responses[1].CNonce)
	})
	t.Run("batch endpoint - failed item does not fail its siblings", func(t *testing.T) {
		ctx := createWallet(t, nil)
		ctx.issuer.withBatch = true
		ctx.issuer.failBatchItem = 1

		responses, err := ctx.wallet.ExecuteFullAuthIssuance(context.Background(), ctx.issuer.offer(), redirectURI)

		require.Error(t, err)
		assert.ErrorContains(t, err, "credential 1: invalid_or_missing_proof")
		require.Len(t, responses, 1)
		assert.NotNil(t, responses[0].Credential)
	})
}

func TestOpenIDWallet_ResolvePresentationDefinition(t *testing.T) {
	ctx := createWallet(t, nil)
	definitionJSON := `{"id":"pd-1","input_descriptors":[{"id":"degree","constraints":{"fields":[{"path":["$.credentialSubject.degree.type"]}]}}]}`

	t.Run("inline", func(t *testing.T) {
		definition, err := ctx.wallet.ResolvePresentationDefinition(context.Background(), oauth.AuthorizationRequest{
			PresentationDefinition: definitionJSON,
		})
		require.NoError(t, err)
		assert.Equal(t, "pd-1", definition.Id)
	})
	t.Run("by reference", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(definitionJSON))
		}))
		defer server.Close()
		definition, err := ctx.wallet.ResolvePresentationDefinition(context.Background(), oauth.AuthorizationRequest{
			PresentationDefURI: server.URL,
		})
		require.NoError(t, err)
		assert.Equal(t, "pd-1", definition.Id)
	})
	t.Run("both", func(t *testing.T) {
		_, err := ctx.wallet.ResolvePresentationDefinition(context.Background(), oauth.AuthorizationRequest{
			PresentationDefinition: definitionJSON,
			PresentationDefURI:     "https://verifier.example.com/pd/pd-1",
		})
		assert.EqualError(t, err, "authorization request contains both presentation_definition and presentation_definition_uri")
	})
	t.Run("neither", func(t *testing.T) {
		_, err := ctx.wallet.ResolvePresentationDefinition(context.Background(), oauth.AuthorizationRequest{})
		assert.EqualError(t, err, "authorization request misses presentation definition")
	})
}

func TestOpenIDWallet_ProcessImplicitFlowAuthorization(t *testing.T) {
	definitionJSON := `{"id":"pd-1","input_descriptors":[{"id":"degree","constraints":{"fields":[{"path":["$.credentialSubject.degree.type"]}]}}]}`
	presenter := PresentationFn(func(_ context.Context, credentials []vc.VerifiableCredential, audience string, nonce string) (*vc.VerifiablePresentation, error) {
		credentialsJSON, err := json.Marshal(credentials)
		if err != nil {
			return nil, err
		}
		return vc.ParseVerifiablePresentation(fmt.Sprintf(`{
			"@context": ["https://www.w3.org/2018/credentials/v1"],
			"type": "VerifiablePresentation",
			"holder": "%s",
			"verifiableCredential": %s,
			"proof": {"type": "JsonWebSignature2020", "challenge": "%s", "domain": "%s"}
		}`, walletDid, credentialsJSON, nonce, audience))
	})
	request := oauth.AuthorizationRequest{
		ClientID:               "did:example:verifier",
		ResponseType:           oauth.VPTokenResponseType,
		Nonce:                  "verifier-nonce",
		State:                  "verifier-state",
		PresentationDefinition: definitionJSON,
	}
	heldCredentials := []vc.VerifiableCredential{pe.TestCredential(t, degreeCredentialJSON)}

	t.Run("ok", func(t *testing.T) {
		ctx := createWallet(t, presenter)

		response, err := ctx.wallet.ProcessImplicitFlowAuthorization(context.Background(), request, heldCredentials)

		require.NoError(t, err)
		assert.Equal(t, "verifier-state", response.Get(oauth.StateParam))

		vpToken := response.Get(oauth.VpTokenParam)
		presentation, err := vc.ParseVerifiablePresentation(vpToken)
		require.NoError(t, err)
		require.Len(t, presentation.VerifiableCredential, 1)

		submission, err := pe.ParsePresentationSubmission([]byte(response.Get(oauth.PresentationSubmissionParam)))
		require.NoError(t, err)
		assert.Equal(t, "pd-1", submission.DefinitionId)
		require.Len(t, submission.DescriptorMap, 1)
		assert.Equal(t, "$", submission.DescriptorMap[0].Path)
		require.NotNil(t, submission.DescriptorMap[0].PathNested)
	})
	t.Run("credentials do not match", func(t *testing.T) {
		ctx := createWallet(t, presenter)

		_, err := ctx.wallet.ProcessImplicitFlowAuthorization(context.Background(), request, nil)

		assert.ErrorContains(t, err, "held credentials do not satisfy the presentation definition")
	})
	t.Run("missing nonce", func(t *testing.T) {
		ctx := createWallet(t, presenter)
		requestWithoutNonce := request
		requestWithoutNonce.Nonce = ""

		_, err := ctx.wallet.ProcessImplicitFlowAuthorization(context.Background(), requestWithoutNonce, heldCredentials)

		assert.EqualError(t, err, "authorization request misses nonce")
	})
	t.Run("no presentation capability", func(t *testing.T) {
		ctx := createWallet(t, nil)

		_, err := ctx.wallet.ProcessImplicitFlowAuthorization(context.Background(), request, heldCredentials)

		assert.EqualError(t, err, "no presentation capability configured")
	})
}

func TestNewIssuerClient(t *testing.T) {
	t.Run("metadata is loaded on creation", func(t *testing.T) {
		ctx := createWallet(t, nil)

		client, err := NewIssuerClient(context.Background(), http.DefaultClient, ctx.issuer.server.URL)

		require.NoError(t, err)
		assert.Equal(t, ctx.issuer.server.URL, client.Metadata().CredentialIssuer)
		assert.Equal(t, ctx.issuer.server.URL+"/token", client.ProviderMetadata().TokenEndpoint)
	})
	t.Run("empty identifier", func(t *testing.T) {
		_, err := NewIssuerClient(context.Background(), http.DefaultClient, "")
		assert.EqualError(t, err, "empty credential issuer identifier")
	})
	t.Run("identifier mismatch", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(openid4vci.CredentialIssuerMetadata{
				CredentialIssuer:   "https://someone-else.example.com",
				CredentialEndpoint: "https://someone-else.example.com/credential",
			})
		}))
		defer server.Close()

		_, err := NewIssuerClient(context.Background(), http.DefaultClient, server.URL)

		assert.ErrorContains(t, err, "invalid credential issuer in metadata")
	})
}
