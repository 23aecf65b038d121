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

// Package issuer implements the credential issuer side of OpenID4VCI:
// credential offers, the authorization/token legs (authorization code,
// pre-authorized code and implicit grants), and the credential,
// batch credential and deferred credential endpoints.
package issuer

import (
	"context"

	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/openid4vci"
)

// CredentialResult is the outcome of a credential issuance attempt.
// A deferred result means the credential is not ready yet and the wallet
// should poll the deferred credential endpoint with the acceptance token.
type CredentialResult struct {
	Credential *vc.VerifiableCredential
	Deferred   bool
}

// CredentialIssuanceCapability creates (and signs) the actual credential for an approved request.
// The protocol engine validates the request and holder binding, the capability decides
// what goes into the credential.
type CredentialIssuanceCapability interface {
	// IssueCredential issues a credential of the requested format and types to the given holder.
	// It returns a deferred result when issuance requires an out-of-band step.
	IssueCredential(ctx context.Context, request openid4vci.CredentialRequest, holderDid string) (*CredentialResult, error)
}

// CredentialIssuanceFn is a func adapter for CredentialIssuanceCapability.
type CredentialIssuanceFn func(ctx context.Context, request openid4vci.CredentialRequest, holderDid string) (*CredentialResult, error)

func (fn CredentialIssuanceFn) IssueCredential(ctx context.Context, request openid4vci.CredentialRequest, holderDid string) (*CredentialResult, error) {
	return fn(ctx, request, holderDid)
}
