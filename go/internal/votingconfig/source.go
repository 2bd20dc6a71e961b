package votingconfig

import (
	"context"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// IndexFile names the optional catalogue listing voting ids in order.
const IndexFile = "index.yaml"

// DefaultIDs is the catalogue used when a source has no index.
var DefaultIDs = []string{"voting1", "voting2"}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidID reports whether id can name a voting document.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Source provides raw voting documents.
type Source interface {
	// List returns the ids of the votings the source offers.
	List(ctx context.Context) ([]string, error)
	// Fetch returns the document for id, or an error wrapping ErrNotFound.
	Fetch(ctx context.Context, id string) ([]byte, error)
}

type index struct {
	Votings []string `yaml:"votings"`
}

// parseIndex reads a catalogue written either as {votings: [...]} or as a
// bare list of ids.
func parseIndex(data []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	var ids []string
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&ids); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
		}
	case yaml.MappingNode:
		var idx index
		if err := root.Decode(&idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
		}
		ids = idx.Votings
	default:
		return nil, fmt.Errorf("parse %s: unexpected document", IndexFile)
	}

	valid := ids[:0]
	for _, id := range ids {
		if ValidID(id) {
			valid = append(valid, id)
		}
	}
	return valid, nil
}
