//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/safeholdhq/safehold/pkg/canonicalize"
)

// Property: Hash(obj) == Hash(obj) for any string map, regardless of the
// randomized iteration order Go applies when encoding.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := canonicalize.Hash(obj)
			h2, err2 := canonicalize.Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: two maps with the same entries hash identically even when
// built in different insertion orders.
func TestHashInsertionOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order never changes the hash", prop.ForAll(
		func(a, b, c string) bool {
			forward := map[string]any{"a": a, "b": b, "c": c}
			reverse := map[string]any{}
			reverse["c"] = c
			reverse["b"] = b
			reverse["a"] = a

			h1, err1 := canonicalize.Hash(forward)
			h2, err2 := canonicalize.Hash(reverse)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
