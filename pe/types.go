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

// Package pe implements Presentation Exchange: matching credentials against presentation
// definitions and constructing presentation submissions.
// See https://identity.foundation/presentation-exchange/
package pe

// PresentationDefinition describes the credentials a verifier requests.
type PresentationDefinition struct {
	Id                     string                                         `json:"id"`
	Name                   string                                         `json:"name,omitempty"`
	Purpose                string                                         `json:"purpose,omitempty"`
	Format                 *PresentationDefinitionClaimFormatDesignations `json:"format,omitempty"`
	InputDescriptors       []*InputDescriptor                             `json:"input_descriptors"`
	SubmissionRequirements []*SubmissionRequirement                       `json:"submission_requirements,omitempty"`
}

// PresentationDefinitionClaimFormatDesignations maps format identifiers (ldp_vc, jwt_vc) to
// format properties like supported proof types.
type PresentationDefinitionClaimFormatDesignations map[string]map[string][]string

// InputDescriptor describes one credential the verifier requests.
type InputDescriptor struct {
	Id          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Purpose     string       `json:"purpose,omitempty"`
	Group       []string     `json:"group,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// Constraints hold the field constraints of an input descriptor.
type Constraints struct {
	Fields []Field `json:"fields,omitempty"`
	// LimitDisclosure is 'required' or 'preferred'. A 'required' value reduces the
	// matched credential to the fields referenced by the constraint, dropping the proof.
	LimitDisclosure string `json:"limit_disclosure,omitempty"`
}

// Field constrains one (set of) JSON path(s) in a credential.
type Field struct {
	Id       string   `json:"id,omitempty"`
	Path     []string `json:"path"`
	Purpose  string   `json:"purpose,omitempty"`
	Optional *bool    `json:"optional,omitempty"`
	Filter   *Filter  `json:"filter,omitempty"`
}

// Filter is a JSON Schema descriptor constraining the value at a field's path.
type Filter struct {
	Type    string   `json:"type"`
	Const   *string  `json:"const,omitempty"`
	Enum    []string `json:"enum,omitempty"`
	Pattern *string  `json:"pattern,omitempty"`
}

// SubmissionRequirement defines which input descriptor groups must be satisfied, and how.
type SubmissionRequirement struct {
	Name       string                   `json:"name,omitempty"`
	Purpose    string                   `json:"purpose,omitempty"`
	Rule       string                   `json:"rule"`
	From       string                   `json:"from,omitempty"`
	FromNested []*SubmissionRequirement `json:"from_nested,omitempty"`
	Count      *int                     `json:"count,omitempty"`
	Min        *int                     `json:"min,omitempty"`
	Max        *int                     `json:"max,omitempty"`
}

// Groups returns the group names referenced by this requirement, including nested ones.
func (submissionRequirement SubmissionRequirement) Groups() []string {
	var result []string
	if submissionRequirement.From != "" {
		result = append(result, submissionRequirement.From)
	}
	for _, nested := range submissionRequirement.FromNested {
		result = append(result, nested.Groups()...)
	}
	return result
}

// PresentationSubmission describes how the VCs in the VP match the input descriptors in the PD
type PresentationSubmission struct {
	// Id is the id of the presentation submission, which is a UUID
	Id string `json:"id"`
	// DefinitionId is the id of the presentation definition that this submission is for
	DefinitionId string `json:"definition_id"`
	// DescriptorMap is a list of mappings from input descriptors to VCs
	DescriptorMap []InputDescriptorMappingObject `json:"descriptor_map"`
}

// InputDescriptorMappingObject maps an input descriptor to the location of the credential
// within the submitted presentation.
type InputDescriptorMappingObject struct {
	Id     string `json:"id"`
	Path   string `json:"path"`
	Format string `json:"format"`
	// PathNested points into the object the outer path resolves to,
	// e.g. a credential embedded in a verifiable presentation.
	PathNested *InputDescriptorMappingObject `json:"path_nested,omitempty"`
}
