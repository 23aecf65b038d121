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

package policy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nuts-foundation/go-did/vc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const presentationJSON = `{
  "@context": ["https://www.w3.org/2018/credentials/v1"],
  "type": "VerifiablePresentation",
  "holder": "did:example:holder",
  "verifiableCredential": [{
    "@context": ["https://www.w3.org/2018/credentials/v1"],
    "id": "did:example:university#degree-1",
    "type": ["VerifiableCredential", "UniversityDegreeCredential"],
    "issuer": "did:example:university",
    "issuanceDate": "2023-04-01T12:00:00Z",
    "expirationDate": "2033-04-01T12:00:00Z",
    "credentialSubject": {
      "id": "did:example:holder",
      "degree": "Bachelor of Science"
    }
  }]
}`

var testClock = func() time.Time {
	return time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
}

func testPresentation(t *testing.T) vc.VerifiablePresentation {
	t.Helper()
	presentation, err := vc.ParseVerifiablePresentation(presentationJSON)
	require.NoError(t, err)
	return *presentation
}

func evaluate(t *testing.T, registry *Registry, tokens []string, presentation vc.VerifiablePresentation) VerificationResult {
	t.Helper()
	requests, err := registry.ParsePolicyRequests(tokens)
	require.NoError(t, err)
	return registry.Evaluate(context.Background(), requests, presentation, presentation.VerifiableCredential)
}

func TestRegistry_ParsePolicyRequests(t *testing.T) {
	registry := NewRegistry(Config{})

	t.Run("args bind to the preceding policy", func(t *testing.T) {
		requests, err := registry.ParsePolicyRequests([]string{
			"policy=allowed-issuer",
			"arg=issuer=did:example:university",
			"policy=expired",
		})

		require.NoError(t, err)
		require.Len(t, requests, 2)
		assert.Equal(t, []string{"did:example:university"}, requests[0].Args["issuer"])
		assert.Empty(t, requests[1].Args)
	})
	t.Run("repeated args collect all values", func(t *testing.T) {
		requests, err := registry.ParsePolicyRequests([]string{
			"policy=allowed-issuer",
			"arg=issuer=did:example:a",
			"arg=issuer=did:example:b",
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"did:example:a", "did:example:b"}, requests[0].Args["issuer"])
	})
	t.Run("unknown policy", func(t *testing.T) {
		_, err := registry.ParsePolicyRequests([]string{"policy=does-not-exist"})

		assert.EqualError(t, err, "unknown policy: does-not-exist")
	})
	t.Run("missing required arg", func(t *testing.T) {
		_, err := registry.ParsePolicyRequests([]string{"policy=allowed-issuer"})

		assert.EqualError(t, err, "policy allowed-issuer requires arg: issuer")
	})
	t.Run("arg without preceding policy", func(t *testing.T) {
		_, err := registry.ParsePolicyRequests([]string{"arg=issuer=did:example:university"})

		assert.EqualError(t, err, "arg without preceding policy: issuer=did:example:university")
	})
	t.Run("malformed token", func(t *testing.T) {
		_, err := registry.ParsePolicyRequests([]string{"bogus"})

		assert.EqualError(t, err, "malformed policy token: bogus")
	})
	t.Run("malformed arg", func(t *testing.T) {
		_, err := registry.ParsePolicyRequests([]string{"policy=expired", "arg=bogus"})

		assert.EqualError(t, err, "malformed policy arg: bogus")
	})
}

func TestRegistry_Evaluate(t *testing.T) {
	registry := NewRegistry(Config{Now: testClock})
	presentation := testPresentation(t)

	t.Run("all policies run even when one fails", func(t *testing.T) {
		result := evaluate(t, registry, []string{
			"policy=allowed-issuer", "arg=issuer=did:example:other",
			"policy=expired",
		}, presentation)

		assert.False(t, result.Valid)
		require.Len(t, result.Results, 2)
		assert.False(t, result.Results[0].Success)
		assert.Equal(t, "issuer not allowed: did:example:university", result.Results[0].Message)
		assert.True(t, result.Results[1].Success)
	})
	t.Run("valid when all pass", func(t *testing.T) {
		result := evaluate(t, registry, []string{
			"policy=allowed-issuer", "arg=issuer=did:example:other", "arg=issuer=did:example:university",
			"policy=expired",
			"policy=not-before",
			"policy=holder-binding",
		}, presentation)

		assert.True(t, result.Valid)
		assert.Len(t, result.Results, 4)
	})
	t.Run("credential-scoped results carry the credential ID", func(t *testing.T) {
		result := evaluate(t, registry, []string{"policy=expired"}, presentation)

		require.Len(t, result.Results, 1)
		assert.Equal(t, "did:example:university#degree-1", result.Results[0].Credential)
	})
}

func TestExpiredPolicy(t *testing.T) {
	registry := NewRegistry(Config{Now: func() time.Time {
		return time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)
	}})

	result := evaluate(t, registry, []string{"policy=expired"}, testPresentation(t))

	assert.False(t, result.Valid)
	assert.Equal(t, "credential expired at 2033-04-01T12:00:00Z", result.Results[0].Message)
}

func TestNotBeforePolicy(t *testing.T) {
	registry := NewRegistry(Config{Now: func() time.Time {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}})

	result := evaluate(t, registry, []string{"policy=not-before"}, testPresentation(t))

	assert.False(t, result.Valid)
	assert.Equal(t, "credential not valid before 2023-04-01T12:00:00Z", result.Results[0].Message)
}

func TestSchemaPolicy(t *testing.T) {
	registry := NewRegistry(Config{Now: testClock})
	presentation := testPresentation(t)

	t.Run("matching schema", func(t *testing.T) {
		result := evaluate(t, registry, []string{
			"policy=schema",
			`arg=schema={"type":"object","required":["degree"]}`,
		}, presentation)

		assert.True(t, result.Valid)
	})
	t.Run("schema violation", func(t *testing.T) {
		result := evaluate(t, registry, []string{
			"policy=schema",
			`arg=schema={"type":"object","required":["nonExistentProperty"]}`,
		}, presentation)

		assert.False(t, result.Valid)
		assert.Contains(t, result.Results[0].Message, "credentialSubject does not match schema")
	})
	t.Run("invalid schema", func(t *testing.T) {
		result := evaluate(t, registry, []string{"policy=schema", "arg=schema=not JSON"}, presentation)

		assert.False(t, result.Valid)
		assert.Contains(t, result.Results[0].Message, "invalid schema")
	})
}

func TestSignaturePolicy(t *testing.T) {
	presentation := testPresentation(t)

	t.Run("verifier rejects", func(t *testing.T) {
		registry := NewRegistry(Config{SignatureVerifier: fakeSignatureVerifier{err: errors.New("bad proof")}})

		result := evaluate(t, registry, []string{"policy=signature"}, presentation)

		assert.False(t, result.Valid)
		assert.Equal(t, "invalid signature: bad proof", result.Results[0].Message)
	})
	t.Run("unresolvable key is distinguished from a bad signature", func(t *testing.T) {
		keyError := fmt.Errorf("%w: did:example:university#key-1", ErrKeyNotResolvable)
		registry := NewRegistry(Config{SignatureVerifier: fakeSignatureVerifier{err: keyError}})

		result := evaluate(t, registry, []string{"policy=signature"}, presentation)

		assert.False(t, result.Valid)
		assert.Equal(t, "unresolvable signing key: signing key could not be resolved: did:example:university#key-1", result.Results[0].Message)
	})
	t.Run("verifier accepts", func(t *testing.T) {
		registry := NewRegistry(Config{SignatureVerifier: fakeSignatureVerifier{}})

		result := evaluate(t, registry, []string{"policy=signature"}, presentation)

		assert.True(t, result.Valid)
	})
	t.Run("no verifier configured", func(t *testing.T) {
		registry := NewRegistry(Config{})

		result := evaluate(t, registry, []string{"policy=signature"}, presentation)

		assert.False(t, result.Valid)
	})
}

func TestCredentialCountPolicies(t *testing.T) {
	registry := NewRegistry(Config{Now: testClock})
	presentation := testPresentation(t)

	t.Run("maximum", func(t *testing.T) {
		assert.True(t, evaluate(t, registry, []string{"policy=maximum-credentials", "arg=max=1"}, presentation).Valid)
		result := evaluate(t, registry, []string{"policy=maximum-credentials", "arg=max=0"}, presentation)
		assert.False(t, result.Valid)
		assert.Equal(t, "presentation contains 1 credentials, maximum is 0", result.Results[0].Message)
	})
	t.Run("minimum", func(t *testing.T) {
		assert.True(t, evaluate(t, registry, []string{"policy=minimum-credentials", "arg=min=1"}, presentation).Valid)
		assert.False(t, evaluate(t, registry, []string{"policy=minimum-credentials", "arg=min=2"}, presentation).Valid)
	})
}

func TestHolderBindingPolicy(t *testing.T) {
	registry := NewRegistry(Config{Now: testClock})

	t.Run("subject equals holder", func(t *testing.T) {
		result := evaluate(t, registry, []string{"policy=holder-binding"}, testPresentation(t))

		assert.True(t, result.Valid)
	})
	t.Run("subject differs from holder", func(t *testing.T) {
		presentation, err := vc.ParseVerifiablePresentation(`{
		  "@context": ["https://www.w3.org/2018/credentials/v1"],
		  "type": "VerifiablePresentation",
		  "holder": "did:example:thief",
		  "verifiableCredential": [{
		    "@context": ["https://www.w3.org/2018/credentials/v1"],
		    "id": "did:example:university#degree-1",
		    "type": ["VerifiableCredential"],
		    "issuer": "did:example:university",
		    "issuanceDate": "2023-04-01T12:00:00Z",
		    "credentialSubject": {"id": "did:example:holder"}
		  }]
		}`)
		require.NoError(t, err)

		result := evaluate(t, registry, []string{"policy=holder-binding"}, *presentation)

		assert.False(t, result.Valid)
		assert.Contains(t, result.Results[0].Message, "not bound to presenter did:example:thief")
	})
}

func TestWebhookPolicy(t *testing.T) {
	presentation := testPresentation(t)

	t.Run("webhook accepts", func(t *testing.T) {
		var received []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		registry := NewRegistry(Config{})

		result := evaluate(t, registry, []string{"policy=webhook", "arg=url=" + server.URL}, presentation)

		assert.True(t, result.Valid)
		assert.Contains(t, string(received), "did:example:university#degree-1")
	})
	t.Run("webhook rejects", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()
		registry := NewRegistry(Config{})

		result := evaluate(t, registry, []string{"policy=webhook", "arg=url=" + server.URL}, presentation)

		assert.False(t, result.Valid)
		assert.Equal(t, "webhook rejected credential (status 403)", result.Results[0].Message)
	})
	t.Run("webhook unreachable", func(t *testing.T) {
		registry := NewRegistry(Config{})

		result := evaluate(t, registry, []string{"policy=webhook", "arg=url=http://localhost:1"}, presentation)

		assert.False(t, result.Valid)
		assert.Contains(t, result.Results[0].Message, "webhook unreachable")
	})
}

func TestRevokedStatusListPolicy(t *testing.T) {
	registry := NewRegistry(Config{Now: testClock})

	statusListServer := func(t *testing.T, bits []byte) *httptest.Server {
		t.Helper()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{
			  "@context": ["https://www.w3.org/2018/credentials/v1"],
			  "id": "https://example.com/status/1",
			  "type": ["VerifiableCredential", "StatusList2021Credential"],
			  "issuer": "did:example:university",
			  "issuanceDate": "2023-04-01T12:00:00Z",
			  "credentialSubject": {
			    "id": "https://example.com/status/1#list",
			    "type": "StatusList2021",
			    "statusPurpose": "revocation",
			    "encodedList": "%s"
			  }
			}`, encodeStatusList(t, bits))
		}))
		t.Cleanup(server.Close)
		return server
	}

	statusCredential := func(t *testing.T, index int, listURL string) vc.VerifiablePresentation {
		t.Helper()
		presentation, err := vc.ParseVerifiablePresentation(fmt.Sprintf(`{
		  "@context": ["https://www.w3.org/2018/credentials/v1"],
		  "type": "VerifiablePresentation",
		  "verifiableCredential": [{
		    "@context": ["https://www.w3.org/2018/credentials/v1"],
		    "id": "did:example:university#degree-1",
		    "type": ["VerifiableCredential"],
		    "issuer": "did:example:university",
		    "issuanceDate": "2023-04-01T12:00:00Z",
		    "credentialStatus": {
		      "id": "%s#1",
		      "type": "StatusList2021Entry",
		      "statusPurpose": "revocation",
		      "statusListIndex": "%d",
		      "statusListCredential": "%s"
		    },
		    "credentialSubject": {"id": "did:example:holder"}
		  }]
		}`, listURL, index, listURL))
		require.NoError(t, err)
		return *presentation
	}

	t.Run("bit not set", func(t *testing.T) {
		server := statusListServer(t, []byte{0x00})

		result := evaluate(t, registry, []string{"policy=revoked-status-list"}, statusCredential(t, 1, server.URL))

		assert.True(t, result.Valid)
	})
	t.Run("bit set", func(t *testing.T) {
		// bit 1 is the second-most significant bit of the first byte
		server := statusListServer(t, []byte{0x40})

		result := evaluate(t, registry, []string{"policy=revoked-status-list"}, statusCredential(t, 1, server.URL))

		assert.False(t, result.Valid)
		assert.Equal(t, "credential is revoked (status list index 1)", result.Results[0].Message)
	})
	t.Run("index out of bounds", func(t *testing.T) {
		server := statusListServer(t, []byte{0x00})

		result := evaluate(t, registry, []string{"policy=revoked-status-list"}, statusCredential(t, 99, server.URL))

		assert.False(t, result.Valid)
		assert.Equal(t, "status list index 99 out of bounds", result.Results[0].Message)
	})
	t.Run("no credentialStatus passes", func(t *testing.T) {
		result := evaluate(t, registry, []string{"policy=revoked-status-list"}, testPresentation(t))

		assert.True(t, result.Valid)
	})
}

func encodeStatusList(t *testing.T, bits []byte) string {
	t.Helper()
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	_, err := writer.Write(bits)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

type fakeSignatureVerifier struct {
	err error
}

func (f fakeSignatureVerifier) VerifyCredentialSignature(_ context.Context, _ vc.VerifiableCredential) error {
	return f.err
}

func (f fakeSignatureVerifier) VerifyPresentationSignature(_ context.Context, _ vc.VerifiablePresentation) error {
	return f.err
}
