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

package openid4vci

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialOffer_JSON(t *testing.T) {
	offer := CredentialOffer{
		CredentialIssuer: "https://issuer.example.com",
		Credentials:      []string{"UniversityDegreeCredential"},
		Grants: &Grants{
			PreAuthorizedCode: &PreAuthorizedCodeGrant{
				PreAuthorizedCode: "secret-code",
				UserPinRequired:   true,
			},
		},
	}

	data, err := json.Marshal(offer)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"urn:ietf:params:oauth:grant-type:pre-authorized_code"`)

	var actual CredentialOffer
	require.NoError(t, json.Unmarshal(data, &actual))
	assert.Equal(t, offer, actual)
}

func TestCredentialOffer_OfferURL(t *testing.T) {
	offer := CredentialOffer{
		CredentialIssuer: "https://issuer.example.com",
		Credentials:      []string{"UniversityDegreeCredential"},
	}

	offerURL, err := offer.OfferURL()
	require.NoError(t, err)

	parsed, err := url.Parse(offerURL)
	require.NoError(t, err)
	assert.Equal(t, CredentialOfferURLScheme, parsed.Scheme)

	var actual CredentialOffer
	require.NoError(t, json.Unmarshal([]byte(parsed.Query().Get("credential_offer")), &actual))
	assert.Equal(t, offer, actual)
}

func TestCredentialResponse_Deferred(t *testing.T) {
	assert.True(t, CredentialResponse{AcceptanceToken: "token"}.Deferred())
	assert.False(t, CredentialResponse{}.Deferred())
}

func TestValidateCredentialOffer(t *testing.T) {
	validOffer := CredentialOffer{
		CredentialIssuer: "https://issuer.example.com",
		Credentials:      []string{"UniversityDegreeCredential"},
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateCredentialOffer(validOffer))
	})
	t.Run("missing issuer", func(t *testing.T) {
		offer := validOffer
		offer.CredentialIssuer = ""

		err := ValidateCredentialOffer(offer)

		assert.EqualError(t, err, "invalid_request - missing credential_issuer")
	})
	t.Run("no credentials", func(t *testing.T) {
		offer := validOffer
		offer.Credentials = nil

		err := ValidateCredentialOffer(offer)

		assert.EqualError(t, err, "invalid_request - missing credentials")
	})
	t.Run("pre-authorized grant without code", func(t *testing.T) {
		offer := validOffer
		offer.Grants = &Grants{PreAuthorizedCode: &PreAuthorizedCodeGrant{}}

		err := ValidateCredentialOffer(offer)

		assert.EqualError(t, err, "invalid_request - missing pre-authorized_code in grant")
	})
}

func TestValidateCredentialRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		err := ValidateCredentialRequest(CredentialRequest{
			Format: VerifiableCredentialJSONLDFormat,
			Types:  []string{"VerifiableCredential", "UniversityDegreeCredential"},
		})

		assert.NoError(t, err)
	})
	t.Run("unsupported format", func(t *testing.T) {
		err := ValidateCredentialRequest(CredentialRequest{Format: "jwt_vc", Types: []string{"VerifiableCredential"}})

		var protocolErr Error
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, UnsupportedCredentialFormat, protocolErr.Code)
	})
	t.Run("missing types", func(t *testing.T) {
		err := ValidateCredentialRequest(CredentialRequest{Format: VerifiableCredentialJSONLDFormat})

		assert.EqualError(t, err, "invalid_request - missing types")
	})
}

func TestValidateDefinitionWithCredentialRequest(t *testing.T) {
	supported := CredentialSupported{
		Format: VerifiableCredentialJSONLDFormat,
		Types:  []string{"VerifiableCredential", "UniversityDegreeCredential"},
	}

	t.Run("requested types are offered", func(t *testing.T) {
		err := ValidateDefinitionWithCredentialRequest(CredentialRequest{
			Format: VerifiableCredentialJSONLDFormat,
			Types:  []string{"UniversityDegreeCredential"},
		}, supported)

		assert.NoError(t, err)
	})
	t.Run("type not offered", func(t *testing.T) {
		err := ValidateDefinitionWithCredentialRequest(CredentialRequest{
			Format: VerifiableCredentialJSONLDFormat,
			Types:  []string{"DriversLicenseCredential"},
		}, supported)

		var protocolErr Error
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, UnsupportedCredentialType, protocolErr.Code)
	})
}

func TestParseAuthorizationDetails(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		details, err := ParseAuthorizationDetails(`[{"type":"openid_credential","format":"ldp_vc","types":["VerifiableCredential"]}]`)

		require.NoError(t, err)
		require.Len(t, details, 1)
		assert.Equal(t, AuthorizationDetailTypeOpenIDCredential, details[0].Type)
	})
	t.Run("empty", func(t *testing.T) {
		details, err := ParseAuthorizationDetails("")

		require.NoError(t, err)
		assert.Nil(t, details)
	})
	t.Run("malformed", func(t *testing.T) {
		_, err := ParseAuthorizationDetails("not JSON")

		var protocolErr Error
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, InvalidRequest, protocolErr.Code)
	})
}

func TestError(t *testing.T) {
	assert.EqualError(t, Error{Code: InvalidGrant}, "invalid_grant")

	t.Run("invalid_or_missing_proof carries fresh c_nonce", func(t *testing.T) {
		expiresIn := 300
		data, err := json.Marshal(Error{Code: InvalidOrMissingProof, CNonce: "fresh", CNonceExpiresIn: &expiresIn})

		require.NoError(t, err)
		assert.JSONEq(t, `{"error":"invalid_or_missing_proof","c_nonce":"fresh","c_nonce_expires_in":300}`, string(data))
	})
}
