package commit

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/blacklake-io/blacklake/internal/apperr"
	"github.com/blacklake-io/blacklake/pkg/types"
)

// validateRequiredMetadata checks docJSON against RequiredMetadataFields,
// rejecting the commit if any field is absent, null, or the empty string.
func validateRequiredMetadata(path, docJSON string) error {
	var doc map[string]any
	if docJSON != "" {
		if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
			return fmt.Errorf("commit: validate metadata for %s: %w", path, err)
		}
	}

	var missing []string
	for _, field := range types.RequiredMetadataFields {
		v, ok := doc[field]
		if !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return apperr.WithFields(apperr.KindValidation, "metadata is missing required fields", map[string]any{
			"path":           path,
			"missing_fields": missing,
		})
	}
	return nil
}

// mergeMetadata deep-merges patch into parent per spec §4.4: object keys
// recurse; a "tags" array unions and dedups with the parent's; a null
// value removes the key; any other scalar or array replaces the parent's
// value outright.
func mergeMetadata(parentJSON, patchJSON string) (string, error) {
	var parent map[string]any
	if parentJSON == "" {
		parent = map[string]any{}
	} else if err := json.Unmarshal([]byte(parentJSON), &parent); err != nil {
		return "", fmt.Errorf("commit: merge metadata: parent: %w", err)
	}

	var patch map[string]any
	if patchJSON == "" {
		patch = map[string]any{}
	} else if err := json.Unmarshal([]byte(patchJSON), &patch); err != nil {
		return "", fmt.Errorf("commit: merge metadata: patch: %w", err)
	}

	merged := mergeObjects(parent, patch)
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("commit: merge metadata: marshal: %w", err)
	}
	return string(out), nil
}

func mergeObjects(parent, patch map[string]any) map[string]any {
	result := make(map[string]any, len(parent)+len(patch))
	for k, v := range parent {
		result[k] = v
	}

	for k, v := range patch {
		if v == nil {
			delete(result, k)
			continue
		}

		if k == "tags" {
			result[k] = unionDedupTags(result[k], v)
			continue
		}

		patchObj, patchIsObj := v.(map[string]any)
		parentObj, parentIsObj := result[k].(map[string]any)
		if patchIsObj && parentIsObj {
			result[k] = mergeObjects(parentObj, patchObj)
			continue
		}

		result[k] = v
	}
	return result
}

func unionDedupTags(existing, incoming any) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(v any) {
		list, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}

	add(existing)
	add(incoming)
	sort.Strings(out)
	return out
}
