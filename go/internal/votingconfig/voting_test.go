package votingconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pizzaDoc = `---
id: voting1
question: Pineapple on pizza?
delay: 30
options:
  - label: Yes
  - label: No
---

# Pineapple

Body text is ignored.
`

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		document string
		want     Voting
	}{
		{
			name:     "full document",
			document: pizzaDoc,
			want: Voting{
				ID:       "voting1",
				Question: "Pineapple on pizza?",
				Delay:    30,
				Options:  []Option{{Label: "Yes"}, {Label: "No"}},
			},
		},
		{
			name:     "shorthand options",
			document: "---\nquestion: Tabs or spaces?\noptions:\n  - Tabs\n  - Spaces\n---\n",
			want: Voting{
				Question: "Tabs or spaces?",
				Options:  []Option{{Label: "Tabs"}, {Label: "Spaces"}},
			},
		},
		{
			name:     "crlf line endings",
			document: "---\r\nquestion: Coffee?\r\noptions:\r\n  - label: Yes\r\n---\r\nbody",
			want: Voting{
				Question: "Coffee?",
				Options:  []Option{{Label: "Yes"}},
			},
		},
		{
			name:     "byte order mark",
			document: "\xef\xbb\xbf---\nquestion: Tea?\n---\n",
			want:     Voting{Question: "Tea?"},
		},
		{
			name:     "no frontmatter",
			document: "# Just markdown\n\nquestion: not frontmatter\n",
			want:     Voting{},
		},
		{
			name:     "unterminated frontmatter",
			document: "---\nquestion: Where is the end?\n",
			want:     Voting{},
		},
		{
			name:     "malformed yaml",
			document: "---\nquestion: [unclosed\noptions: {\n---\n",
			want:     Voting{},
		},
		{
			name:     "options of the wrong shape",
			document: "---\nquestion: Shape?\noptions:\n  a: b\n---\n",
			want:     Voting{},
		},
		{
			name:     "empty frontmatter",
			document: "---\n---\nbody",
			want:     Voting{},
		},
		{
			name:     "empty document",
			document: "",
			want:     Voting{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse([]byte(tt.document)))
		})
	}
}

func TestParse_MalformedIsZero(t *testing.T) {
	assert.True(t, Parse([]byte("---\nquestion: [\n---")).IsZero())
	assert.False(t, Parse([]byte(pizzaDoc)).IsZero())
}

func TestVoting_Labels(t *testing.T) {
	v := Parse([]byte(pizzaDoc))
	assert.Equal(t, []string{"Yes", "No"}, v.Labels())
}

func TestVoting_Validate(t *testing.T) {
	valid := Voting{Question: "Q?", Options: []Option{{Label: "A"}, {Label: "B"}}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		voting Voting
	}{
		{"no question", Voting{Options: []Option{{Label: "A"}}}},
		{"no options", Voting{Question: "Q?"}},
		{"empty label", Voting{Question: "Q?", Options: []Option{{Label: ""}}}},
		{"duplicate label", Voting{Question: "Q?", Options: []Option{{Label: "A"}, {Label: "A"}}}},
		{"negative delay", Voting{Question: "Q?", Options: []Option{{Label: "A"}}, Delay: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.voting.Validate(), ErrInvalidVoting)
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("voting1"))
	assert.True(t, ValidID("team-retro_2"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("../secrets"))
	assert.False(t, ValidID("a/b"))
	assert.False(t, ValidID("-leading"))
}
