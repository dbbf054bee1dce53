package document

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// Resolver expands user supplied paths into the source files to open. When roots are configured,
// every resolved file must live under one of them after symlinks are evaluated.
type Resolver struct {
	roots []string
}

// ResolveRequest describes one path expansion.
type ResolveRequest struct {
	Paths     []string
	Recursive bool
	// Patterns filter files by base name, or by path relative to the walked directory when the
	// pattern contains a separator. DefaultFilePatterns apply when empty.
	Patterns []string
}

// NewResolver creates a resolver restricted to roots. An empty roots list allows any path.
func NewResolver(roots []string) (Resolver, error) {
	normalized := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(os.ExpandEnv(root))
		if err != nil {
			return Resolver{}, fmt.Errorf("failed to resolve root %s: %w", root, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		normalized = append(normalized, filepath.Clean(abs))
	}
	return Resolver{roots: normalized}, nil
}

// Roots returns the normalized allowed roots.
func (r Resolver) Roots() []string { return slices.Clone(r.roots) }

// Resolve expands req into a sorted, de-duplicated list of absolute file paths.
func (r Resolver) Resolve(req ResolveRequest) ([]string, error) {
	patterns := req.Patterns
	if len(patterns) == 0 {
		patterns = DefaultFilePatterns
	}
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %s", ErrInvalidPattern, p, err.Error())
		}
		matchers = append(matchers, g)
	}
	match := func(rel string) bool {
		rel = filepath.ToSlash(rel)
		base := rel[strings.LastIndex(rel, "/")+1:]
		for _, m := range matchers {
			if m.Match(base) || m.Match(rel) {
				return true
			}
		}
		return false
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, requested := range req.Paths {
		path, err := r.Validate(requested)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requested)
		}
		if !info.IsDir() {
			// Explicitly named files are opened regardless of the patterns.
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if p != path && (!req.Recursive || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(path, p)
			if err != nil || !match(rel) {
				return nil
			}
			if valid, err := r.Validate(p); err == nil {
				add(valid)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", requested, err)
		}
	}

	slices.Sort(files)
	return files, nil
}

// Validate returns the absolute real path of requested, or ErrPathNotAllowed when it escapes the
// configured roots.
func (r Resolver) Validate(requested string) (string, error) {
	abs, err := filepath.Abs(os.ExpandEnv(filepath.FromSlash(requested)))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, requested)
	}
	abs = filepath.Clean(abs)
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, requested)
		}
		return "", fmt.Errorf("failed to evaluate %s: %w", requested, err)
	}
	if len(r.roots) == 0 {
		return real, nil
	}
	for _, root := range r.roots {
		if isSubpath(real, root) {
			return real, nil
		}
	}
	return "", fmt.Errorf("%w: %s not under %s", ErrPathNotAllowed, requested, strings.Join(r.roots, ", "))
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
