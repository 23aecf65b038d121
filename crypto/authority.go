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
	"errors"

	"github.com/nuts-foundation/openid4vc/storage"
)

// ErrUnknownToken is returned when a token is not (or no longer) known to the authority.
var ErrUnknownToken = errors.New("unknown token")

// TokenAuthority issues opaque single-use tokens (authorization codes, pre-authorized codes,
// access tokens, c_nonces) that act as store references: the token itself carries no information,
// it maps to a value (typically a session ID) in the backing session store.
// Tokens expire with the store's TTL.
type TokenAuthority struct {
	store storage.SessionStore
}

// NewTokenAuthority creates a TokenAuthority on the given store partition.
// Different token types (codes, access tokens, nonces) must each get their own partition,
// so a token of one type can never be replayed as another.
func NewTokenAuthority(store storage.SessionStore) *TokenAuthority {
	return &TokenAuthority{store: store}
}

// Issue generates a fresh random token and binds it to the given reference value.
func (a *TokenAuthority) Issue(reference interface{}) (string, error) {
	token := GenerateNonce()
	if err := a.store.Put(token, reference); err != nil {
		return "", err
	}
	return token, nil
}

// Consume resolves the token into target and invalidates it.
// The underlying GetAndDelete is atomic: when multiple callers race on the same token,
// exactly one succeeds. Returns ErrUnknownToken for unknown or already-consumed tokens.
func (a *TokenAuthority) Consume(token string, target interface{}) error {
	err := a.store.GetAndDelete(token, target)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownToken
	}
	return err
}

// Peek resolves the token into target without invalidating it.
// Used when validation must happen before the token may be spent,
// e.g. checking a user PIN before consuming a pre-authorized code.
func (a *TokenAuthority) Peek(token string, target interface{}) error {
	err := a.store.Get(token, target)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownToken
	}
	return err
}

// Revoke invalidates the token. Revoking an unknown token is not an error.
func (a *TokenAuthority) Revoke(token string) error {
	return a.store.Delete(token)
}
