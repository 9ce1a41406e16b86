package payload

import "sync"

// settingsTree is the static config-definition tree describing where each
// sampler key lives. Leaves are keys, interior nodes are parameter groups;
// disabled-fields entries reference either a full leaf path or a group path.
var settingsTree = map[string]any{
	"api": map[string]any{
		"samplers": map[string]any{
			"temperature": nil,
			"top_p":       nil,
			"top_k":       nil,
			"min_p":       nil,
			"seed":        nil,
			"max_tokens":  nil,
			"logit_bias":  nil,
			"penalties": map[string]any{
				"frequency_penalty":  nil,
				"presence_penalty":   nil,
				"repetition_penalty": nil,
			},
		},
	},
}

type groupLookup struct {
	// path maps a leaf key to its full dotted path in the tree.
	path map[string]string
	// group maps a leaf key to its parent group path.
	group map[string]string
}

// groups returns the key-to-group lookup, built exactly once on first use.
var groups = sync.OnceValue(func() groupLookup {
	lookup := groupLookup{
		path:  make(map[string]string),
		group: make(map[string]string),
	}
	walkTree("", settingsTree, lookup)
	return lookup
})

func walkTree(prefix string, node map[string]any, lookup groupLookup) {
	for key, child := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := child.(map[string]any); ok {
			walkTree(full, sub, lookup)
			continue
		}
		lookup.path[key] = full
		lookup.group[key] = prefix
	}
}

// isDisabled reports whether a sampler key is switched off by a
// disabled-fields list. Entries may name the bare key, its full path, or any
// group the key belongs to.
func isDisabled(key string, disabled []string) bool {
	lookup := groups()
	fullPath := lookup.path[key]
	groupPath := lookup.group[key]

	for _, entry := range disabled {
		if entry == key || (fullPath != "" && entry == fullPath) {
			return true
		}
		if entry != "" && groupPath != "" && matchesGroup(groupPath, entry) {
			return true
		}
	}
	return false
}

// matchesGroup reports whether entry names groupPath or an ancestor of it.
func matchesGroup(groupPath, entry string) bool {
	if groupPath == entry {
		return true
	}
	return len(groupPath) > len(entry) && groupPath[:len(entry)] == entry && groupPath[len(entry)] == '.'
}
