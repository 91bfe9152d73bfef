package document

import (
	"path"
	"strings"
)

// HintSource looks up the applicable hint for a file name.
type HintSource interface {
	HintFor(fileName string) map[string]string
}

// HintRule pairs a path.Match pattern with metadata.
type HintRule struct {
	Pattern  string
	Metadata map[string]string
}

// GlobHints returns the metadata of the first rule whose pattern matches the
// lower-cased base name of the file.
type GlobHints []HintRule

func (g GlobHints) HintFor(fileName string) map[string]string {
	base := strings.ToLower(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	for _, rule := range g {
		ok, err := path.Match(strings.ToLower(rule.Pattern), base)
		if err != nil || !ok {
			continue
		}
		out := make(map[string]string, len(rule.Metadata))
		for k, v := range rule.Metadata {
			out[k] = v
		}
		return out
	}
	return nil
}

// NoHints never returns a hint.
type NoHints struct{}

func (NoHints) HintFor(string) map[string]string { return nil }
