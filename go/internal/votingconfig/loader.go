package votingconfig

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Loader turns source documents into Votings.
type Loader struct {
	source Source
}

func NewLoader(source Source) *Loader {
	return &Loader{source: source}
}

// LoadAll loads every voting the source lists. A voting that cannot be
// fetched or is not hostable is logged and left out; only a failure to
// list the catalogue is returned.
func (l *Loader) LoadAll(ctx context.Context) ([]Voting, error) {
	ids, err := l.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list votings: %w", err)
	}

	votings := make([]Voting, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v, err := l.Load(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("voting_id", id).Msg("failed to load voting")
			continue
		}
		if err := v.Validate(); err != nil {
			log.Warn().Err(err).Str("voting_id", id).Msg("skipping voting")
			continue
		}
		votings = append(votings, v)
	}
	return votings, nil
}

// Load fetches and parses a single voting. A voting whose frontmatter has
// no id takes the document id.
func (l *Loader) Load(ctx context.Context, id string) (Voting, error) {
	data, err := l.source.Fetch(ctx, id)
	if err != nil {
		return Voting{}, err
	}

	v := Parse(data)
	if v.ID == "" {
		v.ID = id
	}
	return v, nil
}
