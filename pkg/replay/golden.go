package replay

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Marshal renders a result in the golden file format: indented JSON with a
// trailing newline.
func Marshal(result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// AssertGolden compares result against testdata/golden/<name>.golden.
// Run the test with -update to rewrite the file.
func AssertGolden(t *testing.T, result *Result) {
	t.Helper()

	data, err := Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, result.Name, data)
}
