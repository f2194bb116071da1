// Package codec translates between the wire form of a resource (a FHIR-style
// JSON document with resourceType and meta) and the engine's internal
// representation, and performs the structural/cardinality validation tier.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
)

// Decode parses a request body into resource content for the given type.
// A resourceType field in the body, when present, must agree with the URL
// type. Client-supplied id and meta are stripped: identity and versioning are
// owned by the store.
func Decode(resourceType string, body []byte) (map[string]any, error) {
	var content map[string]any
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, model.ValidationErr("", "invalid JSON: "+err.Error())
	}
	return DecodeContent(resourceType, content)
}

// DecodeContent normalizes already-decoded content the same way Decode does.
func DecodeContent(resourceType string, content map[string]any) (map[string]any, error) {
	if rt, ok := content["resourceType"].(string); ok && rt != resourceType {
		return nil, model.ValidationErr("resourceType",
			fmt.Sprintf("resourceType %q does not match %q", rt, resourceType))
	}
	out := model.CloneContent(content)
	delete(out, "resourceType")
	delete(out, "id")
	delete(out, "meta")
	return out, nil
}

// Encode renders a resource in its wire form: content plus resourceType, id,
// and meta.versionId/lastUpdated. Tombstones render as a minimal document.
func Encode(r *model.Resource) map[string]any {
	out := model.CloneContent(r.Content)
	if out == nil {
		out = map[string]any{}
	}
	out["resourceType"] = r.Type
	out["id"] = r.ID
	out["meta"] = map[string]any{
		"versionId":   strconv.Itoa(r.VersionID),
		"lastUpdated": r.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	return out
}

// EncodeJSON marshals the wire form of a resource.
func EncodeJSON(r *model.Resource) ([]byte, error) {
	data, err := json.Marshal(Encode(r))
	if err != nil {
		return nil, model.InternalErr("encode resource", err)
	}
	return data, nil
}

// Validate applies the structural tier: the type must be in the catalog,
// required fields must be present, and array/scalar shape must match the
// declared cardinality. Anything beyond structural shape is out of scope by
// design and left to external collaborators.
func Validate(s *schema.Snapshot, resourceType string, content map[string]any) error {
	td := s.Type(resourceType)
	if td == nil {
		return model.ValidationErr("resourceType", fmt.Sprintf("unknown resource type %q", resourceType))
	}
	for _, rule := range td.Rules {
		vals := Values(content, rule.Path)
		if rule.Required && len(vals) == 0 {
			return model.ValidationErr(rule.Path, "required field is missing")
		}
		if len(vals) == 0 {
			continue
		}
		raw, ok := content[rule.Path]
		if !ok {
			// Nested rule path; shape checks apply to top-level fields only.
			continue
		}
		_, isArray := raw.([]any)
		if rule.Array && !isArray {
			return model.ValidationErr(rule.Path, "field must be an array")
		}
		if !rule.Array && isArray {
			return model.ValidationErr(rule.Path, "field must not be an array")
		}
	}
	return nil
}
