package graph

import "regexp"

// blockRefPattern matches ((block-id)) tokens. Grounded exactly on
// original_source/src/import/reference_resolver.rs's BLOCK_REF_RE.
var blockRefPattern = regexp.MustCompile(`\(\(([a-zA-Z0-9-]+)\)\)`)

// ResolveReferences expands ((block-id)) tokens in content recursively,
// substituting each resolvable target's own (recursively resolved) content.
// visited carries cycle state across the whole recursion: a block id
// already on the path is left as a literal token rather than re-expanded.
//
// currentBlockID, when non-nil, is inserted into visited before scanning
// and removed again before return, so a block's own self-reference is
// caught the same way a longer cycle would be.
func ResolveReferences(content string, blockMap map[string]string, visited map[string]struct{}, currentBlockID *string) string {
	if currentBlockID != nil {
		visited[*currentBlockID] = struct{}{}
	}

	result := blockRefPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := blockRefPattern.FindStringSubmatch(match)
		id := sub[1]

		if _, seen := visited[id]; seen {
			return match
		}
		target, ok := blockMap[id]
		if !ok {
			return match
		}
		visited[id] = struct{}{}
		resolved := ResolveReferences(target, blockMap, visited, nil)
		delete(visited, id)
		return resolved
	})

	if currentBlockID != nil {
		delete(visited, *currentBlockID)
	}
	return result
}
