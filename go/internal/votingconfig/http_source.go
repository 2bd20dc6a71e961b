package votingconfig

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/clients"
)

// HTTPSource fetches documents from a static site serving
// {base}/votings/{id}.md. The catalogue comes from
// {base}/votings/index.yaml, falling back to DefaultIDs.
type HTTPSource struct {
	client   *clients.BaseClient
	fallback []string
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(baseURL string) *HTTPSource {
	client := clients.NewBaseClient(baseURL)
	client.SetHeader("Accept", "text/markdown, text/plain, application/yaml")
	client.SetTimeout(10 * time.Second)
	return &HTTPSource{
		client:   client,
		fallback: DefaultIDs,
	}
}

// WithFallback replaces the catalogue used when the site has no index.
func (s *HTTPSource) WithFallback(ids []string) *HTTPSource {
	s.fallback = ids
	return s
}

func (s *HTTPSource) List(ctx context.Context) ([]string, error) {
	data, err := s.client.Get(ctx, "/votings/"+IndexFile)
	if err != nil {
		log.Debug().Err(err).Str("base_url", s.client.BaseURL()).Msg("no voting index, using fallback list")
		return append([]string(nil), s.fallback...), nil
	}

	ids, err := parseIndex(data)
	if err != nil {
		log.Warn().Err(err).Str("base_url", s.client.BaseURL()).Msg("unreadable voting index, using fallback list")
		return append([]string(nil), s.fallback...), nil
	}
	return ids, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	data, err := s.client.Get(ctx, "/votings/"+id+".md")
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch voting %s: %w", id, err)
	}
	return data, nil
}
