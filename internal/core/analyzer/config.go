package analyzer

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/crewlyhq/crewly/internal/core/errs"
)

// signatureDoc is the on-disk shape of .crewly/config/signatures.yaml (§6):
// each list, if present and non-empty, replaces the corresponding built-in
// default rather than merging with it.
type signatureDoc struct {
	Error           []string `yaml:"error"`
	TaskComplete    []string `yaml:"task_complete"`
	WaitingForInput []string `yaml:"waiting_for_input"`
}

// LoadSignatures parses a signatures.yaml document, falling back to
// DefaultSignatures for any list the document omits.
func LoadSignatures(raw []byte) (Signatures, error) {
	sig := DefaultSignatures()
	if len(raw) == 0 {
		return sig, nil
	}

	var doc signatureDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Signatures{}, fmt.Errorf("%w: signatures.yaml: %v", errs.ErrConfigParse, err)
	}

	if len(doc.Error) > 0 {
		compiled, err := compilePatterns(doc.Error)
		if err != nil {
			return Signatures{}, err
		}
		sig.Error = compiled
	}
	if len(doc.TaskComplete) > 0 {
		compiled, err := compilePatterns(doc.TaskComplete)
		if err != nil {
			return Signatures{}, err
		}
		sig.TaskComplete = compiled
	}
	if len(doc.WaitingForInput) > 0 {
		compiled, err := compilePatterns(doc.WaitingForInput)
		if err != nil {
			return Signatures{}, err
		}
		sig.WaitingForInput = compiled
	}
	return sig, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pattern %q: %v", errs.ErrConfigParse, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
