package document

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"
)

// GrammarCPP is the only grammar the store parses with. C headers and sources are parsed with it
// too.
const GrammarCPP = "cpp"

var extToGrammar = map[string]string{
	".c":   GrammarCPP,
	".h":   GrammarCPP,
	".cc":  GrammarCPP,
	".cpp": GrammarCPP,
	".cxx": GrammarCPP,
	".c++": GrammarCPP,
	".hh":  GrammarCPP,
	".hpp": GrammarCPP,
	".hxx": GrammarCPP,
	".h++": GrammarCPP,
	".inl": GrammarCPP,
	".ipp": GrammarCPP,
}

var (
	grammars     map[string]*sitter.Language
	grammarsOnce sync.Once
)

// Language returns the tree-sitter language registered under name.
func Language(name string) (*sitter.Language, bool) {
	grammarsOnce.Do(func() {
		grammars = map[string]*sitter.Language{
			GrammarCPP: cpp.GetLanguage(),
		}
	})
	l, ok := grammars[name]
	return l, ok
}

// GrammarForPath returns the grammar name for a file path based on its extension.
func GrammarForPath(path string) (string, bool) {
	g, ok := extToGrammar[strings.ToLower(filepath.Ext(path))]
	return g, ok
}

// DefaultFilePatterns lists the glob patterns used when a path resolution request gives none.
var DefaultFilePatterns = []string{"*.cpp", "*.cc", "*.cxx", "*.c", "*.hpp", "*.hh", "*.hxx", "*.h"}
