package merge

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/portalforge/plugctl/internal/log"
)

func TestMergeSeedsRootDirectory(t *testing.T) {
	doc := Merge(nil)
	dynamic, ok := doc["dynamicPlugins"].(map[string]any)
	if !ok {
		t.Fatal("dynamicPlugins section missing")
	}
	assert.Equal(t, RootDirectoryKey, dynamic["rootDirectory"])
}

func TestMergeLaterEntryWins(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)

	doc := Merge([]Fragment{
		{Package: "pkg-a", Config: map[string]any{"foo": map[string]any{"bar": 1}}},
		{Package: "pkg-b", Config: map[string]any{"foo": map[string]any{"bar": 2}}},
	})

	foo := doc["foo"].(map[string]any)
	assert.Equal(t, 2, foo["bar"])
	assert.Contains(t, buf.String(), "foo.bar", "scalar collision should be logged with its dotted key")
	assert.Contains(t, buf.String(), "pkg-b")
}

func TestMergeMapsRecursively(t *testing.T) {
	doc := Merge([]Fragment{
		{Package: "pkg-a", Config: map[string]any{"proxy": map[string]any{"a": 1}}},
		{Package: "pkg-b", Config: map[string]any{"proxy": map[string]any{"b": 2}}},
	})

	proxy := doc["proxy"].(map[string]any)
	assert.Equal(t, 1, proxy["a"])
	assert.Equal(t, 2, proxy["b"])
}

func TestMergeSequencesReplaceWholesale(t *testing.T) {
	doc := Merge([]Fragment{
		{Package: "pkg-a", Config: map[string]any{"items": []any{"a", "b"}}},
		{Package: "pkg-b", Config: map[string]any{"items": []any{"c"}}},
	})

	assert.Equal(t, []any{"c"}, doc["items"], "sequences must not concatenate")
}

func TestMergeEqualScalarsDoNotWarn(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)

	Merge([]Fragment{
		{Package: "pkg-a", Config: map[string]any{"level": "info"}},
		{Package: "pkg-b", Config: map[string]any{"level": "info"}},
	})

	assert.NotContains(t, buf.String(), "defined differently")
}

func TestMergeDoesNotMutateFragments(t *testing.T) {
	fragment := Fragment{Package: "pkg-a", Config: map[string]any{"nested": map[string]any{"a": 1}}}

	doc := Merge([]Fragment{fragment})
	doc["nested"].(map[string]any)["a"] = 99

	assert.Equal(t, 1, fragment.Config["nested"].(map[string]any)["a"])
}

func TestMergeProperties(t *testing.T) {
	keyGen := rapid.StringMatching(`[a-z]{1,4}`)
	fragGen := rapid.MapOfN(keyGen, rapid.IntRange(0, 100), 0, 5)

	rapid.Check(t, func(t *rapid.T) {
		numFragments := rapid.IntRange(0, 4).Draw(t, "numFragments")
		fragments := make([]Fragment, numFragments)
		for i := range fragments {
			raw := fragGen.Draw(t, fmt.Sprintf("frag%d", i))
			config := make(map[string]any, len(raw))
			for k, v := range raw {
				config[k] = v
			}
			fragments[i] = Fragment{Package: fmt.Sprintf("pkg-%d", i), Config: config}
		}

		doc := Merge(fragments)

		// Deterministic: merging the same fragments again gives the same document.
		again := Merge(fragments)
		assert.Equal(t, doc, again)

		// Later-wins: every key of every fragment resolves to the value of
		// the last fragment that sets it.
		for key := range collectKeys(fragments) {
			var want any
			for _, f := range fragments {
				if v, ok := f.Config[key]; ok {
					want = v
				}
			}
			if !strings.EqualFold(key, "dynamicPlugins") {
				assert.Equal(t, want, doc[key], "key %q", key)
			}
		}
	})
}

func collectKeys(fragments []Fragment) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, f := range fragments {
		for k := range f.Config {
			keys[k] = struct{}{}
		}
	}
	return keys
}
