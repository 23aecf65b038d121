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
	"errors"
	"fmt"
	"net/http"
)

// ValidateCredentialOffer checks whether a received credential offer is well-formed.
func ValidateCredentialOffer(offer CredentialOffer) error {
	if offer.CredentialIssuer == "" {
		return validationError("missing credential_issuer")
	}
	if len(offer.Credentials) == 0 {
		return validationError("missing credentials")
	}
	for _, id := range offer.Credentials {
		if id == "" {
			return validationError("empty credential ID in offer")
		}
	}
	if offer.Grants != nil && offer.Grants.PreAuthorizedCode != nil && offer.Grants.PreAuthorizedCode.PreAuthorizedCode == "" {
		return validationError("missing pre-authorized_code in grant")
	}
	return nil
}

// ValidateCredentialRequest checks whether a credential request is well-formed.
// It does not validate the proof signature, that requires the issuance session.
func ValidateCredentialRequest(request CredentialRequest) error {
	if request.Format == "" {
		return validationError("missing format")
	}
	if request.Format != VerifiableCredentialJSONLDFormat {
		return Error{
			Err:        fmt.Errorf("unsupported credential format: %s", request.Format),
			Code:       UnsupportedCredentialFormat,
			StatusCode: http.StatusBadRequest,
		}
	}
	if len(request.Types) == 0 {
		return validationError("missing types")
	}
	return nil
}

// ValidateDefinitionWithCredentialRequest checks whether the requested types are a subset of
// the types the issuer supports for the given credential.
func ValidateDefinitionWithCredentialRequest(request CredentialRequest, supported CredentialSupported) error {
	if request.Format != supported.Format {
		return Error{
			Err:        fmt.Errorf("requested format %s does not match offered format %s", request.Format, supported.Format),
			Code:       UnsupportedCredentialFormat,
			StatusCode: http.StatusBadRequest,
		}
	}
	offered := make(map[string]bool, len(supported.Types))
	for _, credentialType := range supported.Types {
		offered[credentialType] = true
	}
	for _, credentialType := range request.Types {
		if !offered[credentialType] {
			return Error{
				Err:        fmt.Errorf("requested type %s was not offered", credentialType),
				Code:       UnsupportedCredentialType,
				StatusCode: http.StatusBadRequest,
			}
		}
	}
	return nil
}

func validationError(msg string) error {
	return Error{
		Err:        errors.New(msg),
		Code:       InvalidRequest,
		StatusCode: http.StatusBadRequest,
	}
}
