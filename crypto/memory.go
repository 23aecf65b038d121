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
	"fmt"
)

var _ JWTSigner = (*MemoryJWTSigner)(nil)
var _ KeyResolver = (*MemoryJWTSigner)(nil)

// MemoryJWTSigner is a JWTSigner/KeyResolver backed by a single in-memory private key.
// Intended for tests and the demo server, not for production key management.
type MemoryJWTSigner struct {
	Signer crypto.Signer
	Kid    string
}

func (m MemoryJWTSigner) SignJWT(_ context.Context, claims map[string]interface{}, headers map[string]interface{}, kid string) (string, error) {
	if kid != m.Kid {
		return "", fmt.Errorf("unknown key: %s", kid)
	}
	key, err := JWKFromSigner(m.Signer, m.Kid)
	if err != nil {
		return "", err
	}
	return SignJWT(key, claims, headers)
}

func (m MemoryJWTSigner) ResolveKey(kid string) (crypto.PublicKey, error) {
	if kid != m.Kid {
		return nil, fmt.Errorf("unknown key: %s", kid)
	}
	return m.Signer.Public(), nil
}
