package orchestrator

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestExtractBalancedObjectProperty verifies spec §4.8 testable property 6:
// the text-based tool-call parser's brace-depth tracking always returns a
// substring whose braces are genuinely balanced, for a brace-nested object
// of generated depth and content between fixed leading and trailing prose.
func TestExtractBalancedObjectProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("an object nested up to six brace levels deep extracts with balanced braces", prop.ForAll(
		func(depth int, key, value string) bool {
			if depth < 0 {
				depth = -depth
			}
			depth %= 6
			obj := strings.Repeat("{", depth) + `"` + key + `":"` + value + `"` + strings.Repeat("}", depth)
			obj = `{` + obj + `}`
			s := "some leading prose " + obj + " trailing prose"

			extracted, ok := extractBalancedObject(s)
			if !ok {
				return false
			}
			return strings.Count(extracted, "{") == strings.Count(extracted, "}") &&
				strings.HasPrefix(extracted, "{") && strings.HasSuffix(extracted, "}")
		},
		gen.IntRange(0, 5),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("braces embedded in string literals never affect depth", prop.ForAll(
		func(literal string) bool {
			s := `{"note":"` + strings.ReplaceAll(literal, `"`, "") + ` } { "}`
			extracted, ok := extractBalancedObject(s)
			if !ok {
				return false
			}
			return strings.Count(extracted, "{") == strings.Count(extracted, "}")
		},
		gen.AlphaString(),
	))

	properties.Property("no opening brace never extracts", prop.ForAll(
		func(s string) bool {
			if strings.ContainsRune(s, '{') {
				return true
			}
			_, ok := extractBalancedObject(s)
			return !ok
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
