// Package merge combines per-plugin configuration fragments into the single
// document the host application loads at startup.
package merge

import (
	"reflect"

	"github.com/portalforge/plugctl/internal/log"
)

// RootDirectoryKey is the directory name advertised to the host application
// in the seeded document.
const RootDirectoryKey = "dynamic-plugins-root"

// Fragment is one plugin's contribution to the global config.
type Fragment struct {
	Package string
	Config  map[string]any
}

// Merge deep-merges the fragments, in order, into a document seeded with the
// dynamic-plugins root marker. Later fragments win on scalar collisions
// (logged as warnings); mapping values merge recursively; sequence values
// replace wholesale so repeated runs never accumulate duplicates. The result
// is regenerated from scratch each run, so fragments of disabled plugins
// never survive.
func Merge(fragments []Fragment) map[string]any {
	doc := map[string]any{
		"dynamicPlugins": map[string]any{
			"rootDirectory": RootDirectoryKey,
		},
	}
	for _, fragment := range fragments {
		if len(fragment.Config) == 0 {
			continue
		}
		log.Debug("merging plugin configuration", "package", fragment.Package)
		deepMerge(doc, fragment.Config, "", fragment.Package)
	}
	return doc
}

func deepMerge(dst, src map[string]any, prefix, pkg string) {
	for key, value := range src {
		existing, exists := dst[key]
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := existing.(map[string]any)

		if exists && srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap, prefix+key+".", pkg)
			continue
		}

		if srcIsMap {
			// Copy so later merges never mutate the fragment itself.
			fresh := make(map[string]any, len(srcMap))
			deepMerge(fresh, srcMap, prefix+key+".", pkg)
			if exists {
				warnConflict(prefix+key, pkg)
			}
			dst[key] = fresh
			continue
		}

		if exists && !reflect.DeepEqual(existing, value) {
			warnConflict(prefix+key, pkg)
		}
		dst[key] = value
	}
}

func warnConflict(key, pkg string) {
	log.Warn("config key defined differently by multiple plugins, last value wins",
		"key", key, "package", pkg)
}
