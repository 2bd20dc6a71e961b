// Package votingconfig loads voting definitions: text documents whose
// leading frontmatter block holds the question and the options.
package votingconfig

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when a voting document does not exist.
	ErrNotFound = errors.New("voting not found")
	// ErrInvalidID is returned for ids that cannot name a document.
	ErrInvalidID = errors.New("invalid voting id")
	// ErrInvalidVoting is returned by Validate for votings that cannot be
	// hosted.
	ErrInvalidVoting = errors.New("invalid voting")
)

const delimiter = "---"

// Voting is a voting definition. Treat it as immutable once loaded.
type Voting struct {
	ID       string   `yaml:"id" json:"id"`
	Question string   `yaml:"question" json:"question"`
	Options  []Option `yaml:"options" json:"options"`
	// Delay is the length of the voting window in seconds. Zero means the
	// voting has no countdown.
	Delay int `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// Option is one answer a participant can pick.
type Option struct {
	Label string `yaml:"label" json:"label"`
}

// UnmarshalYAML accepts both "- label: Yes" and the shorthand "- Yes".
func (o *Option) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		o.Label = value.Value
		return nil
	}
	type plain Option
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = Option(p)
	return nil
}

// IsZero reports whether v carries no data, which is what Parse returns
// for documents without usable frontmatter.
func (v Voting) IsZero() bool {
	return v.ID == "" && v.Question == "" && len(v.Options) == 0 && v.Delay == 0
}

// Labels returns the option labels in order.
func (v Voting) Labels() []string {
	labels := make([]string, len(v.Options))
	for i, o := range v.Options {
		labels[i] = o.Label
	}
	return labels
}

// Validate checks that v can be hosted: it needs a question and at least
// one option, labels must be unique and non-empty, and the delay must not
// be negative.
func (v Voting) Validate() error {
	if strings.TrimSpace(v.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidVoting)
	}
	if len(v.Options) == 0 {
		return fmt.Errorf("%w: at least one option is required", ErrInvalidVoting)
	}
	seen := make(map[string]struct{}, len(v.Options))
	for i, o := range v.Options {
		if o.Label == "" {
			return fmt.Errorf("%w: option %d has no label", ErrInvalidVoting, i)
		}
		if _, dup := seen[o.Label]; dup {
			return fmt.Errorf("%w: duplicate option %q", ErrInvalidVoting, o.Label)
		}
		seen[o.Label] = struct{}{}
	}
	if v.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidVoting)
	}
	return nil
}

// Parse reads the frontmatter of document. The body after the closing
// delimiter is ignored. A document without frontmatter, or whose
// frontmatter is not valid YAML, yields an empty Voting.
func Parse(document []byte) Voting {
	front, ok := frontmatter(document)
	if !ok {
		return Voting{}
	}

	var v Voting
	if err := yaml.Unmarshal(front, &v); err != nil {
		return Voting{}
	}
	return v
}

// frontmatter returns the block between a leading "---" line and the next
// "---" line.
func frontmatter(document []byte) ([]byte, bool) {
	document = bytes.TrimPrefix(document, []byte("\xef\xbb\xbf"))

	scanner := bufio.NewScanner(bytes.NewReader(document))
	scanner.Buffer(make([]byte, 0, 64*1024), len(document)+1)

	if !scanner.Scan() || strings.TrimRight(scanner.Text(), " \t\r") != delimiter {
		return nil, false
	}

	var front bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimRight(line, " \t\r") == delimiter {
			return front.Bytes(), true
		}
		front.WriteString(strings.TrimSuffix(line, "\r"))
		front.WriteByte('\n')
	}
	return nil, false
}
