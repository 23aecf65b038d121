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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/nuts-foundation/go-did/vc"
	"github.com/santhosh-tekuri/jsonschema"

	"github.com/nuts-foundation/openid4vc/core"
)

// Built-in policy names.
const (
	PolicySignature          = "signature"
	PolicyExpired            = "expired"
	PolicyNotBefore          = "not-before"
	PolicySchema             = "schema"
	PolicyAllowedIssuer      = "allowed-issuer"
	PolicyWebhook            = "webhook"
	PolicyMaximumCredentials = "maximum-credentials"
	PolicyMinimumCredentials = "minimum-credentials"
	PolicyHolderBinding      = "holder-binding"
	PolicyRevokedStatusList  = "revoked-status-list"
)

const statusListEntryType = "StatusList2021Entry"

func builtinPolicies(config Config) []Descriptor {
	return []Descriptor{
		{
			Name:  PolicySignature,
			Scope: CredentialScope,
			Eval:  signaturePolicy(config),
		},
		{
			Name:  PolicyExpired,
			Scope: CredentialScope,
			Eval:  expiredPolicy(config),
		},
		{
			Name:  PolicyNotBefore,
			Scope: CredentialScope,
			Eval:  notBeforePolicy(config),
		},
		{
			Name:         PolicySchema,
			Scope:        CredentialScope,
			RequiredArgs: []string{"schema"},
			Eval:         schemaPolicy(),
		},
		{
			Name:         PolicyAllowedIssuer,
			Scope:        CredentialScope,
			RequiredArgs: []string{"issuer"},
			Eval:         allowedIssuerPolicy(),
		},
		{
			Name:         PolicyWebhook,
			Scope:        CredentialScope,
			RequiredArgs: []string{"url"},
			Eval:         webhookPolicy(config),
		},
		{
			Name:         PolicyMaximumCredentials,
			Scope:        PresentationScope,
			RequiredArgs: []string{"max"},
			Eval:         maximumCredentialsPolicy(),
		},
		{
			Name:         PolicyMinimumCredentials,
			Scope:        PresentationScope,
			RequiredArgs: []string{"min"},
			Eval:         minimumCredentialsPolicy(),
		},
		{
			Name:  PolicyHolderBinding,
			Scope: PresentationScope,
			Eval:  holderBindingPolicy(),
		},
		{
			Name:  PolicyRevokedStatusList,
			Scope: CredentialScope,
			Eval:  revokedStatusListPolicy(config),
		},
	}
}

// signaturePolicy delegates to the configured SignatureVerifier.
func signaturePolicy(config Config) EvalFunc {
	return func(ctx context.Context, input Input) (bool, string) {
		if config.SignatureVerifier == nil {
			return false, "no signature verifier configured"
		}
		if err := config.SignatureVerifier.VerifyCredentialSignature(ctx, *input.Credential); err != nil {
			if errors.Is(err, ErrKeyNotResolvable) {
				return false, fmt.Sprintf("unresolvable signing key: %s", err)
			}
			return false, fmt.Sprintf("invalid signature: %s", err)
		}
		return true, ""
	}
}

// expiredPolicy fails when the credential's expirationDate lies in the past.
// Credentials without an expirationDate never expire.
func expiredPolicy(config Config) EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		expiration, message := timestampAtPath(*input.Credential, "$.expirationDate")
		if message != "" {
			return false, message
		}
		if expiration == nil {
			return true, ""
		}
		if config.Now().After(*expiration) {
			return false, fmt.Sprintf("credential expired at %s", expiration.Format(time.RFC3339))
		}
		return true, ""
	}
}

// notBeforePolicy fails when the credential's issuanceDate lies in the future.
func notBeforePolicy(config Config) EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		issuance, message := timestampAtPath(*input.Credential, "$.issuanceDate")
		if message != "" {
			return false, message
		}
		if issuance == nil {
			return false, "credential has no issuanceDate"
		}
		if issuance.After(config.Now()) {
			return false, fmt.Sprintf("credential not valid before %s", issuance.Format(time.RFC3339))
		}
		return true, ""
	}
}

// schemaPolicy validates the credential subject against the JSON schema given in the schema arg.
func schemaPolicy() EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource("schema.json", strings.NewReader(input.Arg("schema"))); err != nil {
			return false, fmt.Sprintf("invalid schema: %s", err)
		}
		schema, err := compiler.Compile("schema.json")
		if err != nil {
			return false, fmt.Sprintf("invalid schema: %s", err)
		}
		subject, err := valueAtPath(*input.Credential, "$.credentialSubject")
		if err != nil || subject == nil {
			return false, "credential has no credentialSubject"
		}
		subjectJSON, err := json.Marshal(subject)
		if err != nil {
			return false, fmt.Sprintf("unable to marshal credentialSubject: %s", err)
		}
		if err := schema.Validate(bytes.NewReader(subjectJSON)); err != nil {
			return false, fmt.Sprintf("credentialSubject does not match schema: %s", err)
		}
		return true, ""
	}
}

// allowedIssuerPolicy checks the credential issuer against the issuer args.
// The issuer arg may repeat; the credential passes when its issuer matches any of them.
func allowedIssuerPolicy() EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		issuer := input.Credential.Issuer.String()
		for _, allowed := range input.Args["issuer"] {
			if allowed == issuer {
				return true, ""
			}
		}
		return false, fmt.Sprintf("issuer not allowed: %s", issuer)
	}
}

// webhookPolicy POSTs the credential to the url arg and passes on a 2xx response.
func webhookPolicy(config Config) EvalFunc {
	return func(ctx context.Context, input Input) (bool, string) {
		credentialJSON, err := input.Credential.MarshalJSON()
		if err != nil {
			return false, fmt.Sprintf("unable to marshal credential: %s", err)
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, input.Arg("url"), bytes.NewReader(credentialJSON))
		if err != nil {
			return false, fmt.Sprintf("invalid webhook url: %s", err)
		}
		request.Header.Set("Content-Type", "application/json")
		response, err := config.HTTPClient.Do(request)
		if err != nil {
			return false, fmt.Sprintf("webhook unreachable: %s", err)
		}
		defer response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return false, fmt.Sprintf("webhook rejected credential (status %d)", response.StatusCode)
		}
		return true, ""
	}
}

func maximumCredentialsPolicy() EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		max, err := strconv.Atoi(input.Arg("max"))
		if err != nil {
			return false, fmt.Sprintf("invalid max arg: %s", input.Arg("max"))
		}
		count := len(input.Presentation.VerifiableCredential)
		if count > max {
			return false, fmt.Sprintf("presentation contains %d credentials, maximum is %d", count, max)
		}
		return true, ""
	}
}

func minimumCredentialsPolicy() EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		min, err := strconv.Atoi(input.Arg("min"))
		if err != nil {
			return false, fmt.Sprintf("invalid min arg: %s", input.Arg("min"))
		}
		count := len(input.Presentation.VerifiableCredential)
		if count < min {
			return false, fmt.Sprintf("presentation contains %d credentials, minimum is %d", count, min)
		}
		return true, ""
	}
}

// holderBindingPolicy checks that every credential subject is the party that signed the presentation.
// The presenter is taken from the presentation's holder property, falling back to the
// proof verificationMethod (with the key fragment stripped).
func holderBindingPolicy() EvalFunc {
	return func(_ context.Context, input Input) (bool, string) {
		presenter, message := presenterOf(*input.Presentation)
		if message != "" {
			return false, message
		}
		for _, credential := range input.Presentation.VerifiableCredential {
			subject, err := valueAtPath(credential, "$.credentialSubject.id")
			if err != nil || subject == nil {
				return false, fmt.Sprintf("credential %s has no credentialSubject.id", credentialID(credential))
			}
			subjectID, ok := subject.(string)
			if !ok || subjectID != presenter {
				return false, fmt.Sprintf("credential %s is not bound to presenter %s", credentialID(credential), presenter)
			}
		}
		return true, ""
	}
}

func presenterOf(presentation vc.VerifiablePresentation) (string, string) {
	document := map[string]interface{}{}
	presentationJSON, err := presentation.MarshalJSON()
	if err != nil {
		return "", fmt.Sprintf("unable to marshal presentation: %s", err)
	}
	if err := json.Unmarshal(presentationJSON, &document); err != nil {
		return "", fmt.Sprintf("unable to parse presentation: %s", err)
	}
	if holder, err := jsonpath.Get("$.holder", document); err == nil {
		if holderID, ok := holder.(string); ok && holderID != "" {
			return holderID, ""
		}
	}
	if method, err := jsonpath.Get("$.proof.verificationMethod", document); err == nil {
		if methodID, ok := method.(string); ok && methodID != "" {
			// strip the key fragment to get the controller DID
			controller, _, _ := strings.Cut(methodID, "#")
			return controller, ""
		}
	}
	return "", "presentation has no holder or proof verificationMethod"
}

// revokedStatusListPolicy checks StatusList2021 revocation.
// The status list credential is fetched, its encodedList is a gzipped bitstring (base64),
// and the credential is revoked when its bit is set. Credentials without a
// StatusList2021Entry status pass.
func revokedStatusListPolicy(config Config) EvalFunc {
	return func(ctx context.Context, input Input) (bool, string) {
		entry, message := statusListEntry(*input.Credential)
		if message != "" {
			return false, message
		}
		if entry == nil {
			return true, ""
		}
		index, err := strconv.Atoi(entry.StatusListIndex)
		if err != nil {
			return false, fmt.Sprintf("invalid statusListIndex: %s", entry.StatusListIndex)
		}
		bitstring, message := fetchStatusList(ctx, config.HTTPClient, entry.StatusListCredential)
		if message != "" {
			return false, message
		}
		revoked, err := bitAt(bitstring, index)
		if err != nil {
			return false, err.Error()
		}
		if revoked {
			return false, fmt.Sprintf("credential is revoked (status list index %d)", index)
		}
		return true, ""
	}
}

type statusList2021Entry struct {
	Type                 string `json:"type"`
	StatusPurpose        string `json:"statusPurpose"`
	StatusListIndex      string `json:"statusListIndex"`
	StatusListCredential string `json:"statusListCredential"`
}

// statusListEntry returns the credential's StatusList2021Entry, nil when it has none.
func statusListEntry(credential vc.VerifiableCredential) (*statusList2021Entry, string) {
	status, err := valueAtPath(credential, "$.credentialStatus")
	if err != nil || status == nil {
		return nil, ""
	}
	// credentialStatus may be a single object or a list
	statuses, ok := status.([]interface{})
	if !ok {
		statuses = []interface{}{status}
	}
	for _, candidate := range statuses {
		statusJSON, err := json.Marshal(candidate)
		if err != nil {
			continue
		}
		var entry statusList2021Entry
		if err := json.Unmarshal(statusJSON, &entry); err != nil {
			continue
		}
		if entry.Type != statusListEntryType {
			continue
		}
		if entry.StatusListCredential == "" || entry.StatusListIndex == "" {
			return nil, "incomplete StatusList2021Entry"
		}
		return &entry, ""
	}
	return nil, ""
}

func fetchStatusList(ctx context.Context, client core.HTTPRequestDoer, listURL string) ([]byte, string) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Sprintf("invalid statusListCredential url: %s", err)
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Sprintf("unable to fetch status list: %s", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Sprintf("unable to fetch status list (status %d)", response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Sprintf("unable to read status list: %s", err)
	}
	listCredential, err := vc.ParseVerifiableCredential(string(body))
	if err != nil {
		return nil, fmt.Sprintf("status list is not a credential: %s", err)
	}
	encoded, err := valueAtPath(*listCredential, "$.credentialSubject.encodedList")
	if err != nil || encoded == nil {
		return nil, "status list credential has no encodedList"
	}
	encodedList, ok := encoded.(string)
	if !ok {
		return nil, "status list credential has no encodedList"
	}
	return decodeBitstring(encodedList)
}

// decodeBitstring decodes a base64 (standard or URL-safe, padded or not) gzipped bitstring.
func decodeBitstring(encoded string) ([]byte, string) {
	var compressed []byte
	var err error
	for _, encoding := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		compressed, err = encoding.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Sprintf("unable to decode encodedList: %s", err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Sprintf("encodedList is not gzipped: %s", err)
	}
	defer reader.Close()
	bitstring, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Sprintf("unable to decompress encodedList: %s", err)
	}
	return bitstring, ""
}

func bitAt(bitstring []byte, index int) (bool, error) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bitstring) {
		return false, fmt.Errorf("status list index %d out of bounds", index)
	}
	// bit 0 is the most significant bit of the first byte
	return bitstring[byteIndex]&(1<<(7-index%8)) != 0, nil
}

// valueAtPath evaluates a JSON path against the credential's JSON form.
// It returns nil when the path does not resolve.
func valueAtPath(credential vc.VerifiableCredential, path string) (interface{}, error) {
	credentialJSON, err := credential.MarshalJSON()
	if err != nil {
		return nil, err
	}
	document := map[string]interface{}{}
	if err := json.Unmarshal(credentialJSON, &document); err != nil {
		return nil, err
	}
	value, err := jsonpath.Get(path, document)
	if err != nil {
		return nil, nil
	}
	return value, nil
}

// timestampAtPath reads an RFC3339 timestamp from the credential document.
// It returns (nil, "") when the path does not resolve.
func timestampAtPath(credential vc.VerifiableCredential, path string) (*time.Time, string) {
	value, err := valueAtPath(credential, path)
	if err != nil {
		return nil, fmt.Sprintf("unable to parse credential: %s", err)
	}
	if value == nil {
		return nil, ""
	}
	timestampString, ok := value.(string)
	if !ok {
		return nil, fmt.Sprintf("invalid timestamp at %s", path)
	}
	timestamp, err := time.Parse(time.RFC3339, timestampString)
	if err != nil {
		return nil, fmt.Sprintf("invalid timestamp at %s: %s", path, err)
	}
	return &timestamp, ""
}
