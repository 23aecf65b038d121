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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnsupportedSigningKey is returned when an unsupported private key is used to sign.
var ErrUnsupportedSigningKey = errors.New("signing key algorithm not supported")

// SignJWT signs claims with the key and returns the compacted token.
// The headers param can be used to add additional protected headers (e.g. typ).
func SignJWT(key jwk.Key, claims map[string]interface{}, headers map[string]interface{}) (string, error) {
	t := jwt.New()
	for k, v := range claims {
		if err := t.Set(k, v); err != nil {
			return "", fmt.Errorf("unable to set claim %s: %w", k, err)
		}
	}
	hdr, err := convertHeaders(headers)
	if err != nil {
		return "", err
	}

	sig, err := jwt.Sign(t, jwt.WithKey(key.Algorithm(), key, jws.WithProtectedHeaders(hdr)))
	if err != nil {
		return "", err
	}
	return string(sig), nil
}

// JWKFromSigner converts a private key into a JWK with the signature algorithm and key ID set.
func JWKFromSigner(signer crypto.Signer, kid string) (jwk.Key, error) {
	key, err := jwk.FromRaw(signer)
	if err != nil {
		return nil, err
	}
	var alg jwa.SignatureAlgorithm
	switch privateKey := signer.(type) {
	case *rsa.PrivateKey:
		alg = jwa.PS256
	case *ecdsa.PrivateKey:
		switch privateKey.Curve {
		case elliptic.P256():
			alg = jwa.ES256
		case elliptic.P384():
			alg = jwa.ES384
		case elliptic.P521():
			alg = jwa.ES512
		default:
			return nil, ErrUnsupportedSigningKey
		}
	case ed25519.PrivateKey:
		alg = jwa.EdDSA
	default:
		return nil, ErrUnsupportedSigningKey
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	return key, nil
}

// JWTKidAlg parses a JWT, does not validate it and returns the 'kid' and 'alg' headers.
func JWTKidAlg(tokenString string) (string, jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(tokenString)
	if err != nil {
		return "", "", err
	}
	if len(message.Signatures()) != 1 {
		return "", "", errors.New("incorrect amount of signatures in JWT")
	}

	hdrs := message.Signatures()[0].ProtectedHeaders()
	return hdrs.KeyID(), hdrs.Algorithm(), nil
}

// JWTTyp parses a JWT, does not validate it and returns the 'typ' header.
func JWTTyp(tokenString string) (string, error) {
	message, err := jws.ParseString(tokenString)
	if err != nil {
		return "", err
	}
	if len(message.Signatures()) != 1 {
		return "", errors.New("incorrect amount of signatures in JWT")
	}
	return message.Signatures()[0].ProtectedHeaders().Type(), nil
}

// PublicKeyFunc defines a function that resolves a public key based on a kid.
type PublicKeyFunc func(kid string) (crypto.PublicKey, error)

// ParseJWT parses a token, validates and verifies it.
func ParseJWT(tokenString string, f PublicKeyFunc, options ...jwt.ParseOption) (jwt.Token, error) {
	kid, alg, err := JWTKidAlg(tokenString)
	if err != nil {
		return nil, err
	}

	key, err := f(kid)
	if err != nil {
		return nil, err
	}

	options = append(options, jwt.WithKey(alg, key), jwt.WithValidate(true))
	return jwt.ParseString(tokenString, options...)
}

func convertHeaders(headers map[string]interface{}) (jws.Headers, error) {
	hdr := jws.NewHeaders()
	for k, v := range headers {
		if err := hdr.Set(k, v); err != nil {
			return nil, fmt.Errorf("unable to set header %s: %w", k, err)
		}
	}
	return hdr, nil
}
