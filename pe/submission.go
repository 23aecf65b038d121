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

package pe

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nuts-foundation/go-did/vc"
)

// NestInPresentation rewrites the submission's descriptor map for submission inside a single
// verifiable presentation: the outer path becomes "$" and the original credential path moves
// into path_nested.
func (submission PresentationSubmission) NestInPresentation() PresentationSubmission {
	result := submission
	result.DescriptorMap = make([]InputDescriptorMappingObject, len(submission.DescriptorMap))
	for i, mapping := range submission.DescriptorMap {
		nested := mapping
		result.DescriptorMap[i] = InputDescriptorMappingObject{
			Id:         mapping.Id,
			Path:       "$",
			Format:     "ldp_vp",
			PathNested: &nested,
		}
	}
	return result
}

// ParsePresentationSubmission validates the given JSON and parses it into a PresentationSubmission.
func ParsePresentationSubmission(raw []byte) (*PresentationSubmission, error) {
	var result PresentationSubmission
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if result.Id == "" {
		return nil, errors.New("invalid presentation submission: missing id")
	}
	if result.DefinitionId == "" {
		return nil, errors.New("invalid presentation submission: missing definition_id")
	}
	if len(result.DescriptorMap) == 0 {
		return nil, errors.New("invalid presentation submission: empty descriptor_map")
	}
	return &result, nil
}

// Resolve maps each input descriptor of the definition to the credential submitted for it,
// by following the descriptor map paths into the presentation.
// It returns an error if a descriptor of the definition is missing from the submission,
// or if a path does not resolve to a credential in the presentation.
func (submission PresentationSubmission) Resolve(definition PresentationDefinition, presentation vc.VerifiablePresentation) (map[string]vc.VerifiableCredential, error) {
	if submission.DefinitionId != definition.Id {
		return nil, fmt.Errorf("presentation submission is for definition %s, expected %s", submission.DefinitionId, definition.Id)
	}
	byDescriptor := make(map[string]InputDescriptorMappingObject)
	for _, mapping := range submission.DescriptorMap {
		byDescriptor[mapping.Id] = mapping
	}

	asJSON, _ := json.Marshal(presentation)
	var asInterface interface{}
	_ = json.Unmarshal(asJSON, &asInterface)

	result := make(map[string]vc.VerifiableCredential)
	for _, descriptor := range definition.InputDescriptors {
		mapping, ok := byDescriptor[descriptor.Id]
		if !ok {
			return nil, fmt.Errorf("presentation submission does not map input descriptor: %s", descriptor.Id)
		}
		credential, err := resolveCredential(mapping, asInterface)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve credential for input descriptor %s: %w", descriptor.Id, err)
		}
		result[descriptor.Id] = *credential
	}
	return result, nil
}

func resolveCredential(mapping InputDescriptorMappingObject, document interface{}) (*vc.VerifiableCredential, error) {
	value, err := getValueAtPath(mapping.Path, document)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("path does not resolve: %s", mapping.Path)
	}
	if mapping.PathNested != nil {
		return resolveCredential(*mapping.PathNested, value)
	}
	credentialJSON, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return vc.ParseVerifiableCredential(string(credentialJSON))
}
