package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_NormalizesTerms(t *testing.T) {
	path := writePolicy(t, "version: 1\nforbidden_terms:\n  - \"Beyond   Reasonable Doubt\"\n  - beyond reasonable doubt\n  - Tampered\n")
	got, err := NewLoader(path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"beyond reasonable doubt", "tampered"}, got.Policy.ForbiddenTerms)
	require.Len(t, got.SHA256, 64)
}

func TestLoad_EmptyPathMeansNoExtraTerms(t *testing.T) {
	got, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got.Policy.ForbiddenTerms)
}

func TestLoad_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"version":    "version: 2\nforbidden_terms: [x]\n",
		"empty term": "version: 1\nforbidden_terms: [\"  \"]\n",
		"no terms":   "version: 1\n",
		"yaml":       "version: [\n",
	} {
		_, err := NewLoader(writePolicy(t, body)).Load(context.Background())
		require.Error(t, err, name)
	}
}
