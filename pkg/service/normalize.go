package service

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gleaner-io/gleaner/pkg/types"
)

var digitsRe = regexp.MustCompile(`^[0-9]+$`)

// NormalizeGroups canonicalizes the user-supplied community list. Each
// entry may be a JSON number, a string of digits, or an object with an
// id and optional name. The result is deduplicated by id, first
// occurrence wins. An empty or unusable list is a validation error.
func NormalizeGroups(raw []any) ([]types.GroupRef, error) {
	if len(raw) == 0 {
		return nil, types.NewError(types.ErrValidation, "groups list is empty")
	}

	seen := make(map[string]bool, len(raw))
	refs := make([]types.GroupRef, 0, len(raw))

	for i, entry := range raw {
		ref, err := normalizeEntry(entry)
		if err != nil {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("groups[%d]: %v", i, err))
		}
		if seen[ref.VkID] {
			continue
		}
		seen[ref.VkID] = true
		refs = append(refs, ref)
	}

	if len(refs) == 0 {
		return nil, types.NewError(types.ErrValidation, "groups list is empty after normalization")
	}
	return refs, nil
}

func normalizeEntry(entry any) (types.GroupRef, error) {
	switch v := entry.(type) {
	case float64:
		if v <= 0 || v != math.Trunc(v) {
			return types.GroupRef{}, fmt.Errorf("community id must be a positive integer, got %v", v)
		}
		return types.GroupRef{VkID: strconv.FormatInt(int64(v), 10)}, nil
	case string:
		id := strings.TrimSpace(v)
		if !digitsRe.MatchString(id) || strings.Trim(id, "0") == "" {
			return types.GroupRef{}, fmt.Errorf("community id must be digits, got %q", v)
		}
		return types.GroupRef{VkID: strings.TrimLeft(id, "0")}, nil
	case map[string]any:
		rawID, ok := v["id"]
		if !ok {
			return types.GroupRef{}, fmt.Errorf("community object missing id")
		}
		ref, err := normalizeEntry(rawID)
		if err != nil {
			return types.GroupRef{}, err
		}
		if name, ok := v["name"].(string); ok {
			ref.Name = strings.TrimSpace(name)
		}
		return ref, nil
	default:
		return types.GroupRef{}, fmt.Errorf("unsupported community reference type %T", entry)
	}
}

// groupSetKey is the canonical identity of a normalized community
// list, used for single-flight deduplication of create requests.
func groupSetKey(refs []types.GroupRef) string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.VkID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
