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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
	"github.com/nuts-foundation/go-did/vc"
)

// ErrUnsupportedFilter is returned when a filter uses unsupported features.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// UnmatchedDescriptorError is returned when no candidate credential satisfies an input descriptor.
type UnmatchedDescriptorError struct {
	DescriptorID string
}

func (e UnmatchedDescriptorError) Error() string {
	return fmt.Sprintf("no credential matches input descriptor: %s", e.DescriptorID)
}

// Candidate is the result of a match between an input descriptor and a VC.
// A non-matching input descriptor also yields a Candidate, but without a VC.
type Candidate struct {
	InputDescriptor InputDescriptor
	VC              *vc.VerifiableCredential
}

// Group is a named group of input descriptor candidates, used by submission requirements.
type Group struct {
	Name       string
	Candidates []Candidate
}

// Match matches the VCs against the presentation definition.
// It implements §5 of the Presentation Exchange specification (https://identity.foundation/presentation-exchange/#presentation-definition).
// It supports the following:
// - ldp_vc format
// - pattern, const and enum only on string fields
// - number, boolean, array and string JSON schema types
// - Submission Requirements Feature
// - limit_disclosure: 'required' reduces a matched credential to the referenced fields
// It doesn't do the credential search, this should be done before calling this function.
// The resulting PresentationSubmission has paths that are relative to the matching VCs.
// BuildSubmission alters the paths with "path_nested"s that are relative to the created VP.
// Returns UnmatchedDescriptorError when a required input descriptor cannot be satisfied,
// ErrUnsupportedFilter when a filter uses unsupported features.
func (presentationDefinition PresentationDefinition) Match(vcs []vc.VerifiableCredential) (PresentationSubmission, []vc.VerifiableCredential, error) {
	if len(presentationDefinition.SubmissionRequirements) > 0 {
		return presentationDefinition.matchSubmissionRequirements(vcs)
	}
	return presentationDefinition.matchBasic(vcs)
}

func (presentationDefinition PresentationDefinition) matchConstraints(vcs []vc.VerifiableCredential) ([]Candidate, error) {
	var candidates []Candidate
	for _, inputDescriptor := range presentationDefinition.InputDescriptors {
		candidate := Candidate{
			InputDescriptor: *inputDescriptor,
		}
		for _, credential := range vcs {
			credential := credential
			isMatch, err := matchCredential(*inputDescriptor, credential)
			if err != nil {
				return nil, err
			}
			if isMatch && matchFormat(presentationDefinition.Format, credential) {
				if inputDescriptor.Constraints != nil && inputDescriptor.Constraints.LimitDisclosure == "required" {
					reduced, err := limitDisclosure(*inputDescriptor.Constraints, credential)
					if err != nil {
						return nil, err
					}
					candidate.VC = reduced
				} else {
					candidate.VC = &credential
				}
				break
			}
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (presentationDefinition PresentationDefinition) matchBasic(vcs []vc.VerifiableCredential) (PresentationSubmission, []vc.VerifiableCredential, error) {
	// for each descriptor in presentation_definition.descriptors:
	// for each constraint in descriptor.constraints:
	// for each field in constraint.fields:
	//   a vc must match the field
	presentationSubmission := PresentationSubmission{
		Id:           uuid.New().String(),
		DefinitionId: presentationDefinition.Id,
	}
	candidates, err := presentationDefinition.matchConstraints(vcs)
	if err != nil {
		return PresentationSubmission{}, nil, err
	}
	var matchingCredentials []vc.VerifiableCredential
	for index, candidate := range candidates {
		if candidate.VC == nil {
			return PresentationSubmission{}, nil, UnmatchedDescriptorError{DescriptorID: candidate.InputDescriptor.Id}
		}
		mapping := InputDescriptorMappingObject{
			Id:     candidate.InputDescriptor.Id,
			Path:   fmt.Sprintf("$.verifiableCredential[%d]", index),
			Format: "ldp_vc",
		}
		presentationSubmission.DescriptorMap = append(presentationSubmission.DescriptorMap, mapping)
		matchingCredentials = append(matchingCredentials, *candidate.VC)
	}

	return presentationSubmission, matchingCredentials, nil
}

func (presentationDefinition PresentationDefinition) matchSubmissionRequirements(vcs []vc.VerifiableCredential) (PresentationSubmission, []vc.VerifiableCredential, error) {
	// first we use the constraint matching algorithm to get the matching credentials
	candidates, err := presentationDefinition.matchConstraints(vcs)
	if err != nil {
		return PresentationSubmission{}, nil, err
	}

	// then we check the group constraints
	// for each 'group' in input_descriptor there must be a matching 'from' field in a submission requirement
	availableGroups := make(map[string]Group)
	for _, submissionRequirement := range presentationDefinition.SubmissionRequirements {
		for _, group := range submissionRequirement.Groups() {
			availableGroups[group] = Group{
				Name: group,
			}
		}
	}
	for _, group := range presentationDefinition.groups() {
		if _, ok := availableGroups[group.Name]; !ok {
			return PresentationSubmission{}, nil, fmt.Errorf("group %s is required but not available", group.Name)
		}
	}

	// now we know there are no missing groups, add each candidate to the correct group(s)
	for _, candidate := range candidates {
		for _, group := range candidate.InputDescriptor.Group {
			current := availableGroups[group]
			current.Candidates = append(current.Candidates, candidate)
			availableGroups[group] = current
		}
	}

	presentationSubmission := PresentationSubmission{
		Id:           uuid.New().String(),
		DefinitionId: presentationDefinition.Id,
	}
	var selectedVCs []vc.VerifiableCredential

	// for each submission requirement:
	// we select the credentials that match the requirement
	// then we apply the rules and save the resulting credentials
	for _, submissionRequirement := range presentationDefinition.SubmissionRequirements {
		submissionRequirementVCs, err := submissionRequirement.match(availableGroups)
		if err != nil {
			return PresentationSubmission{}, nil, err
		}
		selectedVCs = append(selectedVCs, submissionRequirementVCs...)
	}

	selectedVCs = deduplicate(selectedVCs)

	// build the descriptor map for the selected credentials
	for index, credential := range selectedVCs {
		credential := credential
		for _, candidate := range candidates {
			if candidate.VC != nil && credentialsEqual(*candidate.VC, credential) {
				presentationSubmission.DescriptorMap = append(presentationSubmission.DescriptorMap, InputDescriptorMappingObject{
					Id:     candidate.InputDescriptor.Id,
					Path:   fmt.Sprintf("$.verifiableCredential[%d]", index),
					Format: "ldp_vc",
				})
				break
			}
		}
	}

	return presentationSubmission, selectedVCs, nil
}

// credentialsEqual compares credentials by their JSON form, so credentials
// without an id still resolve to the descriptor that selected them.
func credentialsEqual(a, b vc.VerifiableCredential) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aJSON, bJSON)
}

func deduplicate(vcs []vc.VerifiableCredential) []vc.VerifiableCredential {
	var result []vc.VerifiableCredential
	seen := make(map[string]bool)
	for _, credential := range vcs {
		if asJSON, err := json.Marshal(credential); err == nil {
			if seen[string(asJSON)] {
				continue
			}
			seen[string(asJSON)] = true
		}
		result = append(result, credential)
	}
	return result
}

func (submissionRequirement SubmissionRequirement) match(availableGroups map[string]Group) ([]vc.VerifiableCredential, error) {
	if submissionRequirement.From != "" && len(submissionRequirement.FromNested) > 0 {
		return nil, fmt.Errorf("submission requirement (%s) contains both 'from' and 'from_nested'", submissionRequirement.Name)
	}

	if len(submissionRequirement.FromNested) > 0 {
		return submissionRequirement.fromNested(availableGroups)
	}
	return submissionRequirement.from(availableGroups)
}

func (submissionRequirement SubmissionRequirement) from(availableGroups map[string]Group) ([]vc.VerifiableCredential, error) {
	selectedVCs := make([]vc.VerifiableCredential, 0)
	group := availableGroups[submissionRequirement.From]
	// different rules for 'all' and 'pick'
	switch submissionRequirement.Rule {
	case "all":
		// all means all candidates in the group must be in the submission
		for _, candidate := range group.Candidates {
			if candidate.VC == nil {
				return nil, fmt.Errorf("submission requirement (%s) does not have all credentials from the group", submissionRequirement.Name)
			}
			selectedVCs = append(selectedVCs, *candidate.VC)
		}
		return selectedVCs, nil
	case "pick":
		// pick means we need to pick one or more of the candidates
		var count int
		for _, candidate := range group.Candidates {
			if candidate.VC != nil {
				count++
			}
		}
		if submissionRequirement.Count != nil {
			if count < *submissionRequirement.Count {
				return nil, fmt.Errorf("submission requirement (%s) has less credentials (%d) than required (%d)", submissionRequirement.Name, count, *submissionRequirement.Count)
			}
			i := 0
			for _, candidate := range group.Candidates {
				if candidate.VC != nil {
					selectedVCs = append(selectedVCs, *candidate.VC)
					i++
				}
				if i == *submissionRequirement.Count {
					break
				}
			}
			return selectedVCs, nil
		}
		// check min and max
		if submissionRequirement.Min != nil && count < *submissionRequirement.Min {
			return nil, fmt.Errorf("submission requirement (%s) has less matches (%d) than min (%d)", submissionRequirement.Name, count, *submissionRequirement.Min)
		}
		if submissionRequirement.Max != nil && count > *submissionRequirement.Max {
			return nil, fmt.Errorf("submission requirement (%s) has more matches (%d) than max (%d)", submissionRequirement.Name, count, *submissionRequirement.Max)
		}
		limit := count
		if submissionRequirement.Max != nil {
			limit = *submissionRequirement.Max
		}
		index := 0
		for _, candidate := range group.Candidates {
			if candidate.VC != nil {
				selectedVCs = append(selectedVCs, *candidate.VC)
				index++
			}
			if index == limit {
				break
			}
		}
		return selectedVCs, nil
	default:
		return nil, fmt.Errorf("submission requirement (%s) contains unknown rule (%s)", submissionRequirement.Name, submissionRequirement.Rule)
	}
}

func (submissionRequirement SubmissionRequirement) fromNested(availableGroups map[string]Group) ([]vc.VerifiableCredential, error) {
	selectedVCs := make([][]vc.VerifiableCredential, len(submissionRequirement.FromNested))
	for i, nested := range submissionRequirement.FromNested {
		vcs, err := nested.match(availableGroups)
		if err != nil {
			if submissionRequirement.Rule == "all" {
				return nil, fmt.Errorf("submission requirement (%s) does not have all credentials from nested requirements", submissionRequirement.Name)
			}
			continue
		}
		selectedVCs[i] = vcs
	}
	switch submissionRequirement.Rule {
	case "all":
		var returnVCs []vc.VerifiableCredential
		for _, vcs := range selectedVCs {
			returnVCs = append(returnVCs, vcs...)
		}
		return returnVCs, nil
	case "pick":
		var returnVCs []vc.VerifiableCredential
		// pick means we need to pick one or more of the nested sets
		var count int
		for _, set := range selectedVCs {
			if len(set) > 0 {
				count++
			}
		}
		if submissionRequirement.Count != nil {
			if count < *submissionRequirement.Count {
				return nil, fmt.Errorf("submission requirement (%s) has less credentials (%d) than required (%d)", submissionRequirement.Name, count, *submissionRequirement.Count)
			}
			i := 0
			for _, set := range selectedVCs {
				if len(set) > 0 {
					returnVCs = append(returnVCs, set...)
					i++
				}
				if i == *submissionRequirement.Count {
					break
				}
			}
			return returnVCs, nil
		}
		// check min and max
		if submissionRequirement.Min != nil && count < *submissionRequirement.Min {
			return nil, fmt.Errorf("submission requirement (%s) has less matches (%d) than min (%d)", submissionRequirement.Name, count, *submissionRequirement.Min)
		}
		if submissionRequirement.Max != nil && count > *submissionRequirement.Max {
			return nil, fmt.Errorf("submission requirement (%s) has more matches (%d) than max (%d)", submissionRequirement.Name, count, *submissionRequirement.Max)
		}
		limit := count
		if submissionRequirement.Max != nil {
			limit = *submissionRequirement.Max
		}
		index := 0
		for _, set := range selectedVCs {
			if len(set) > 0 {
				returnVCs = append(returnVCs, set...)
				index++
			}
			if index == limit {
				break
			}
		}
		return returnVCs, nil
	default:
		return nil, fmt.Errorf("submission requirement (%s) contains unknown rule (%s)", submissionRequirement.Name, submissionRequirement.Rule)
	}
}

// groups returns all groups referenced by the input descriptors.
func (presentationDefinition PresentationDefinition) groups() []Group {
	groups := make(map[string]Group)
	for _, inputDescriptor := range presentationDefinition.InputDescriptors {
		for _, group := range inputDescriptor.Group {
			existing, ok := groups[group]
			if !ok {
				existing = Group{
					Name: group,
				}
			}
			existing.Candidates = append(existing.Candidates, Candidate{InputDescriptor: *inputDescriptor})
			groups[group] = existing
		}
	}
	var result []Group
	for _, group := range groups {
		result = append(result, group)
	}
	return result
}

// matchFormat checks if the credential matches the Format from the presentationDefinition.
// if one of format['ldp_vc'] or format['jwt_vc'] is present, the VC must match that format.
// If the VC is of the required format, the proofType must also match.
// vp formats are ignored.
func matchFormat(format *PresentationDefinitionClaimFormatDesignations, credential vc.VerifiableCredential) bool {
	if format == nil {
		return true
	}

	asMap := map[string]map[string][]string(*format)
	// we're only interested in the jwt_vc and ldp_vc formats
	if asMap["jwt_vc"] == nil && asMap["ldp_vc"] == nil {
		return true
	}

	// only ldp_vc supported for now
	if entry := asMap["ldp_vc"]; entry != nil {
		if proofTypes := entry["proof_type"]; proofTypes != nil {
			for _, proofType := range proofTypes {
				if matchProofType(proofType, credential) {
					return true
				}
			}
		}
	}

	return false
}

func matchProofType(proofType string, credential vc.VerifiableCredential) bool {
	proofs, _ := credential.Proofs()
	for _, p := range proofs {
		if string(p.Type) == proofType {
			return true
		}
	}
	return false
}

func matchCredential(descriptor InputDescriptor, credential vc.VerifiableCredential) (bool, error) {
	// for each constraint in descriptor.constraints:
	//   a vc must match the constraint
	if descriptor.Constraints != nil {
		return matchConstraint(descriptor.Constraints, credential)
	}
	return true, nil
}

// matchConstraint matches the constraint against the VC.
// All Fields need to match according to the Field rules.
// IsHolder, SameSubject, SubjectIsIssuer, Statuses are not supported for now.
func matchConstraint(constraint *Constraints, credential vc.VerifiableCredential) (bool, error) {
	// for each field in constraint.fields:
	//   a vc must match the field
	for _, field := range constraint.Fields {
		match, err := matchField(field, credential)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// limitDisclosure projects the credential onto the fields the constraint references,
// plus the envelope fields every credential needs to stay interpretable
// (@context, id, type, issuer, issuanceDate, expirationDate, credentialSubject.id).
// The proof is dropped: the reduced document no longer carries a valid issuer
// signature, binding it to the holder happens at the presentation level.
func limitDisclosure(constraint Constraints, credential vc.VerifiableCredential) (*vc.VerifiableCredential, error) {
	asJSON, err := json.Marshal(credential)
	if err != nil {
		return nil, err
	}
	var document map[string]interface{}
	if err := json.Unmarshal(asJSON, &document); err != nil {
		return nil, err
	}
	reduced := map[string]interface{}{}
	for _, key := range []string{"@context", "id", "type", "issuer", "issuanceDate", "expirationDate"} {
		if value, ok := document[key]; ok {
			reduced[key] = value
		}
	}
	if subject, ok := document["credentialSubject"].(map[string]interface{}); ok {
		if id, ok := subject["id"]; ok {
			reduced["credentialSubject"] = map[string]interface{}{"id": id}
		}
	}
	for _, field := range constraint.Fields {
		// disclose the first path that resolves, matching matchField's evaluation order
		for _, path := range field.Path {
			value, err := getValueAtPath(path, document)
			if err != nil {
				return nil, err
			}
			if value == nil {
				continue
			}
			if err := setValueAtPath(reduced, path, value); err != nil {
				return nil, err
			}
			break
		}
	}
	reducedJSON, err := json.Marshal(reduced)
	if err != nil {
		return nil, err
	}
	var result vc.VerifiableCredential
	if err := json.Unmarshal(reducedJSON, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// setValueAtPath writes the value into the document at a simple dotted JSON path.
// Paths with wildcards, filters or array indices cannot be projected.
func setValueAtPath(document map[string]interface{}, path string, value interface{}) error {
	if !strings.HasPrefix(path, "$.") || strings.ContainsAny(path[2:], "[]*?@()") {
		return fmt.Errorf("limit_disclosure: unsupported field path: %s", path)
	}
	current := document
	parts := strings.Split(path[2:], ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// matchField matches the field against the VC.
// All fields need to match unless optional is set to true and no values are found for all the paths.
func matchField(field Field, credential vc.VerifiableCredential) (bool, error) {
	// jsonpath works on interfaces, so convert the VC to an interface
	asJSON, _ := json.Marshal(credential)
	var asInterface interface{}
	_ = json.Unmarshal(asJSON, &asInterface)

	// for each path in field.paths:
	//   a vc must match one of the path
	var optionalInvalid int
	for _, path := range field.Path {
		// if path is not found continue
		value, err := getValueAtPath(path, asInterface)
		if err != nil {
			return false, err
		}
		if value == nil {
			continue
		}

		if field.Filter == nil {
			return true, nil
		}

		// if filter at path matches return true
		match, err := matchFilter(*field.Filter, value)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
		// if filter at path does not match continue and set optionalInvalid
		optionalInvalid++
	}
	// no matches, check optional. Optional is only valid if all paths returned no results
	// not if a filter did not match
	if field.Optional != nil && *field.Optional && optionalInvalid == 0 {
		return true, nil
	}
	return false, nil
}

// getValueAtPath uses the JSON path expression to get the value from the VC
func getValueAtPath(path string, vcAsInterface interface{}) (interface{}, error) {
	value, err := jsonpath.Get(path, vcAsInterface)
	// jsonpath.Get returns some errors if the path is not found, or it has a different type as expected
	if err != nil && (strings.HasPrefix(err.Error(), "unknown key") || strings.HasPrefix(err.Error(), "unsupported value type")) {
		return nil, nil
	}
	return value, err
}

// matchFilter matches the value against the filter.
// A filter is a JSON Schema descriptor (https://json-schema.org/draft/2020-12/json-schema-validation.html#name-a-vocabulary-for-structural)
// Supported schema types: string, number, boolean, array, enum.
// Supported schema properties: const, enum, pattern. These only work for strings.
// Supported go value types: string, float64, int, bool and array.
// 'null' values are also not supported.
// It returns an error on unsupported features or when the regex pattern fails.
func matchFilter(filter Filter, value interface{}) (bool, error) {
	// first we check if it's an enum, so we can recursively call matchFilter for each value
	if filter.Enum != nil {
		for _, enum := range filter.Enum {
			enum := enum
			f := Filter{
				Type:  "string",
				Const: &enum,
			}
			match, _ := matchFilter(f, value)
			if match {
				return true, nil
			}
		}
		return false, nil
	}

	switch typedValue := value.(type) {
	case string:
		if filter.Type != "string" {
			return false, nil
		}
	case float64:
		if filter.Type != "number" {
			return false, nil
		}
	case int:
		if filter.Type != "number" {
			return false, nil
		}
	case bool:
		if filter.Type != "boolean" {
			return false, nil
		}
	case []interface{}:
		for _, v := range typedValue {
			match, err := matchFilter(filter, v)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
	default:
		// object not supported for now
		return false, ErrUnsupportedFilter
	}

	if filter.Const != nil {
		if value != *filter.Const {
			return false, nil
		}
	}

	if filter.Pattern != nil && filter.Type == "string" {
		re, err := regexp2.Compile(*filter.Pattern, regexp2.ECMAScript)
		if err != nil {
			return false, err
		}
		return re.MatchString(value.(string))
	}

	// if we get here, no pattern, enum or const is requested just the type.
	return true, nil
}
