package checkpoint

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrMissingGroup reports a required parameter group with no parameters.
	ErrMissingGroup = errors.New("checkpoint: required parameter group missing")
	// ErrUnexpectedParam reports a parameter outside every known group.
	ErrUnexpectedParam = errors.New("checkpoint: unexpected parameter")
)

// Groups is an allow list of parameter name prefixes for a partial load.
// Required groups must each match at least one parameter and are kept.
// Dropped groups may be present, are expected by the model definition and
// are discarded. Any other parameter is an error.
type Groups struct {
	Required []string
	Dropped  []string
}

// Select applies the allow list to params. It returns the kept parameters and
// the sorted names of the dropped ones.
func (g Groups) Select(params map[string]*tensors.Tensor) (map[string]*tensors.Tensor, []string, error) {
	kept := make(map[string]*tensors.Tensor, len(params))
	var dropped, unexpected []string
	seen := make(map[string]bool, len(g.Required))

	for name, t := range params {
		if prefix, ok := matchPrefix(name, g.Required); ok {
			kept[name] = t
			seen[prefix] = true
			continue
		}
		if _, ok := matchPrefix(name, g.Dropped); ok {
			dropped = append(dropped, name)
			continue
		}
		unexpected = append(unexpected, name)
	}

	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, nil, errors.Wrapf(ErrUnexpectedParam, "%s", strings.Join(unexpected, ", "))
	}
	for _, prefix := range g.Required {
		if !seen[prefix] {
			return nil, nil, errors.Wrapf(ErrMissingGroup, "%q", prefix)
		}
	}
	sort.Strings(dropped)
	return kept, dropped, nil
}

func matchPrefix(name string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return p, true
		}
	}
	return "", false
}
