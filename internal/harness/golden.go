package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden runs a scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./... -update
func RunWithGolden(t *testing.T, s *Scenario, opts ...Option) *Result {
	t.Helper()

	result, err := Run(context.Background(), s, opts...)
	if err != nil {
		t.Fatalf("run scenario %s: %v", s.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, []byte(result.TraceText()))
	return result
}
