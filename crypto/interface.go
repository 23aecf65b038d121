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

package crypto

import (
	"context"
	"crypto"
)

// JWTSigner is the interface used to sign JWTs with a key identified by a kid.
// The key material itself stays behind the implementation (wallets bring their own key storage).
type JWTSigner interface {
	// SignJWT creates a signed JWT using the key identified by kid.
	// The headers map is added to the protected JWS headers.
	SignJWT(ctx context.Context, claims map[string]interface{}, headers map[string]interface{}, kid string) (string, error)
}

// KeyResolver resolves public keys by their kid, e.g. by dereferencing a DID URL.
type KeyResolver interface {
	// ResolveKey returns the public key for the given kid.
	ResolveKey(kid string) (crypto.PublicKey, error)
}
