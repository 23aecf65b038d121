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

// Package policy implements the pluggable verification policy engine.
// Policies are small named checks on a submitted presentation or its credentials.
// All requested policies always run: a failing policy never short-circuits its
// siblings, so the verifier records the complete picture of what failed.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nuts-foundation/go-did/vc"

	"github.com/nuts-foundation/openid4vc/core"
	"github.com/nuts-foundation/openid4vc/log"
)

// Scope determines what a policy evaluates: each credential individually, or the presentation as a whole.
type Scope string

const (
	// CredentialScope policies run once per submitted credential.
	CredentialScope Scope = "credential"
	// PresentationScope policies run once for the entire presentation.
	PresentationScope Scope = "presentation"
)

// ErrKeyNotResolvable marks verification failures caused by an unresolvable signing key,
// as opposed to a cryptographically invalid signature. SignatureVerifier implementations
// wrap it so the signature policy can word its failure message accordingly.
var ErrKeyNotResolvable = errors.New("signing key could not be resolved")

// SignatureVerifier verifies the cryptographic proof on a credential or presentation.
// The signature suite implementation stays behind this interface.
type SignatureVerifier interface {
	// VerifyCredentialSignature returns an error when the credential's proof is missing or invalid.
	VerifyCredentialSignature(ctx context.Context, credential vc.VerifiableCredential) error
	// VerifyPresentationSignature returns an error when the presentation's proof is missing or invalid.
	VerifyPresentationSignature(ctx context.Context, presentation vc.VerifiablePresentation) error
}

// Config holds the capabilities the built-in policies depend on.
type Config struct {
	// SignatureVerifier backs the signature policy.
	SignatureVerifier SignatureVerifier
	// HTTPClient is used by policies that call out (webhook, revoked-status-list).
	HTTPClient core.HTTPRequestDoer
	// Now allows tests to control the clock. Defaults to time.Now.
	Now func() time.Time
}

// Input is what a policy evaluates. Credential is set for CredentialScope policies,
// Presentation is always set. Args are multi-valued: a repeated arg key collects
// all its values (e.g. multiple allowed issuers).
type Input struct {
	Credential   *vc.VerifiableCredential
	Presentation *vc.VerifiablePresentation
	Args         map[string][]string
}

// Arg returns the first value of the given argument key, or the empty string.
func (i Input) Arg(key string) string {
	if len(i.Args[key]) == 0 {
		return ""
	}
	return i.Args[key][0]
}

// EvalFunc evaluates a policy. A false result carries a message explaining the failure.
// Evaluation problems (unreachable webhook, malformed status list) are failures, not errors:
// a policy outcome is always a result.
type EvalFunc func(ctx context.Context, input Input) (bool, string)

// Descriptor describes a registered policy.
type Descriptor struct {
	// Name is the policy name used in policy requests.
	Name string
	// Scope determines whether Eval runs per credential or per presentation.
	Scope Scope
	// RequiredArgs lists argument keys that must be provided when the policy is requested.
	RequiredArgs []string
	// Eval evaluates the policy.
	Eval EvalFunc
}

// Request is a parsed request to run one policy with bound arguments.
type Request struct {
	Policy string              `json:"policy"`
	Args   map[string][]string `json:"args,omitempty"`
}

// Result is the outcome of one policy evaluation.
type Result struct {
	// Policy is the name of the evaluated policy.
	Policy string `json:"policy"`
	// Credential identifies the evaluated credential for credential-scoped policies.
	Credential string `json:"credential,omitempty"`
	// Success indicates whether the policy passed.
	Success bool `json:"success"`
	// Message explains a failure. Empty on success.
	Message string `json:"message,omitempty"`
}

// VerificationResult is the aggregate outcome of a policy run.
// Valid is the logical AND of all individual results.
type VerificationResult struct {
	Valid   bool     `json:"valid"`
	Results []Result `json:"policy_results"`
}

// Registry holds the registered policies.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry returns a registry with all built-in policies registered.
func NewRegistry(config Config) *Registry {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.HTTPClient == nil {
		config.HTTPClient = core.DefaultHTTPClient(10 * time.Second)
	}
	registry := &Registry{descriptors: map[string]Descriptor{}}
	for _, descriptor := range builtinPolicies(config) {
		registry.Register(descriptor)
	}
	return registry
}

// Register adds a policy to the registry, replacing any policy with the same name.
func (r *Registry) Register(descriptor Descriptor) {
	r.descriptors[descriptor.Name] = descriptor
}

// Descriptors returns all registered policies, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	result := make([]Descriptor, 0, len(r.descriptors))
	for _, descriptor := range r.descriptors {
		result = append(result, descriptor)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// ParsePolicyRequests parses an ordered list of policy=NAME and arg=KEY=VALUE tokens into requests.
// An arg token binds to the policy named by the nearest preceding policy token.
// It fails (before anything runs) on malformed tokens, args without a preceding policy,
// unknown policies and missing required args.
func (r *Registry) ParsePolicyRequests(tokens []string) ([]Request, error) {
	var requests []Request
	for _, token := range tokens {
		key, value, found := strings.Cut(token, "=")
		if !found {
			return nil, fmt.Errorf("malformed policy token: %s", token)
		}
		switch key {
		case "policy":
			descriptor, ok := r.descriptors[value]
			if !ok {
				return nil, fmt.Errorf("unknown policy: %s", value)
			}
			requests = append(requests, Request{Policy: descriptor.Name, Args: map[string][]string{}})
		case "arg":
			if len(requests) == 0 {
				return nil, fmt.Errorf("arg without preceding policy: %s", value)
			}
			argKey, argValue, found := strings.Cut(value, "=")
			if !found {
				return nil, fmt.Errorf("malformed policy arg: %s", value)
			}
			current := requests[len(requests)-1]
			current.Args[argKey] = append(current.Args[argKey], argValue)
		default:
			return nil, fmt.Errorf("malformed policy token: %s", token)
		}
	}
	// validate required args before any policy runs
	for _, request := range requests {
		descriptor := r.descriptors[request.Policy]
		for _, required := range descriptor.RequiredArgs {
			if _, ok := request.Args[required]; !ok {
				return nil, fmt.Errorf("policy %s requires arg: %s", request.Policy, required)
			}
		}
	}
	return requests, nil
}

// Evaluate runs all requested policies against the presentation and its credentials.
// Credential-scoped policies run once per credential. Every policy runs to completion,
// the aggregate Valid is the AND over all results.
func (r *Registry) Evaluate(ctx context.Context, requests []Request, presentation vc.VerifiablePresentation, credentials []vc.VerifiableCredential) VerificationResult {
	result := VerificationResult{Valid: true, Results: []Result{}}
	for _, request := range requests {
		descriptor, ok := r.descriptors[request.Policy]
		if !ok {
			// requests normally come from ParsePolicyRequests, which rejects unknown policies
			result.Valid = false
			result.Results = append(result.Results, Result{
				Policy:  request.Policy,
				Success: false,
				Message: "unknown policy",
			})
			continue
		}
		switch descriptor.Scope {
		case CredentialScope:
			for i := range credentials {
				credential := credentials[i]
				success, message := descriptor.Eval(ctx, Input{
					Credential:   &credential,
					Presentation: &presentation,
					Args:         request.Args,
				})
				result.Results = append(result.Results, Result{
					Policy:     descriptor.Name,
					Credential: credentialID(credential),
					Success:    success,
					Message:    message,
				})
				result.Valid = result.Valid && success
			}
		case PresentationScope:
			success, message := descriptor.Eval(ctx, Input{
				Presentation: &presentation,
				Args:         request.Args,
			})
			result.Results = append(result.Results, Result{
				Policy:  descriptor.Name,
				Success: success,
				Message: message,
			})
			result.Valid = result.Valid && success
		}
	}
	if !result.Valid {
		log.Logger().WithField("results", len(result.Results)).Debug("Presentation rejected by policy evaluation")
	}
	return result
}

func credentialID(credential vc.VerifiableCredential) string {
	if credential.ID == nil {
		return ""
	}
	return credential.ID.String()
}
