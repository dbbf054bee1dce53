package document_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/cppmcp/internal/document"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	// Temp dirs may sit behind a symlink (macOS /var), resolved paths are compared against this.
	real, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return real
}

func TestResolverExpandsDirectories(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.cpp":          "int main() {}",
		"util.h":            "void util();",
		"README.md":         "# readme",
		"src/lib.cc":        "void lib() {}",
		"src/lib_test.txt":  "",
		".git/hooks/x.cpp":  "",
		"src/deep/impl.hpp": "",
	})

	resolver, err := document.NewResolver(nil)
	require.NoError(t, err)

	flat, err := resolver.Resolve(document.ResolveRequest{Paths: []string{root}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "main.cpp"),
		filepath.Join(root, "util.h"),
	}, flat)

	deep, err := resolver.Resolve(document.ResolveRequest{Paths: []string{root, root}, Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "main.cpp"),
		filepath.Join(root, "src", "deep", "impl.hpp"),
		filepath.Join(root, "src", "lib.cc"),
		filepath.Join(root, "util.h"),
	}, deep)

	filtered, err := resolver.Resolve(document.ResolveRequest{
		Paths:     []string{root},
		Recursive: true,
		Patterns:  []string{"src/*.cc"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "src", "lib.cc")}, filtered)

	explicit, err := resolver.Resolve(document.ResolveRequest{Paths: []string{filepath.Join(root, "README.md")}})
	require.NoError(t, err)
	assert.Len(t, explicit, 1)
}

func TestResolverErrors(t *testing.T) {
	root := writeTree(t, map[string]string{"a.cpp": ""})
	outside := writeTree(t, map[string]string{"b.cpp": ""})

	resolver, err := document.NewResolver([]string{root})
	require.NoError(t, err)
	assert.Equal(t, []string{root}, resolver.Roots())

	_, err = resolver.Resolve(document.ResolveRequest{Paths: []string{filepath.Join(outside, "b.cpp")}})
	require.ErrorIs(t, err, document.ErrPathNotAllowed)

	_, err = resolver.Resolve(document.ResolveRequest{Paths: []string{filepath.Join(root, "missing.cpp")}})
	require.ErrorIs(t, err, document.ErrNotFound)

	_, err = resolver.Resolve(document.ResolveRequest{Paths: []string{root}, Patterns: []string{"[unclosed"}})
	require.ErrorIs(t, err, document.ErrInvalidPattern)

	link := filepath.Join(root, "escape.cpp")
	if err := os.Symlink(filepath.Join(outside, "b.cpp"), link); err == nil {
		_, err = resolver.Validate(link)
		require.ErrorIs(t, err, document.ErrPathNotAllowed)
	}
}
