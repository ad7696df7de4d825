package state

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// AuthorRecord is the outcome of the last expansion pass over one author.
type AuthorRecord struct {
	LastProcessed     time.Time `json:"last_processed"`
	RepositoriesFound int       `json:"repositories_found"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
}

// AuthorFinderState is the author expansion checkpoint.
type AuthorFinderState struct {
	CurrentAuthorIndex     int                     `json:"current_author_index"`
	ProcessedAuthors       map[string]AuthorRecord `json:"processed_authors"`
	DiscoveredRepositories []string                `json:"discovered_repositories"`
}

// NewAuthorFinderState returns an empty author state.
func NewAuthorFinderState() *AuthorFinderState {
	return &AuthorFinderState{
		ProcessedAuthors:       map[string]AuthorRecord{},
		DiscoveredRepositories: []string{},
	}
}

// Fresh reports whether author was processed less than window before now.
func (s *AuthorFinderState) Fresh(author string, now time.Time, window time.Duration) bool {
	rec, ok := s.ProcessedAuthors[author]
	if !ok || rec.LastProcessed.IsZero() {
		return false
	}
	return now.Sub(rec.LastProcessed) < window
}

// AddDiscovery records a confirmed repository and reports whether it was new.
func (s *AuthorFinderState) AddDiscovery(fullName string) bool {
	for _, existing := range s.DiscoveredRepositories {
		if existing == fullName {
			return false
		}
	}
	s.DiscoveredRepositories = append(s.DiscoveredRepositories, fullName)
	return true
}

// NewAuthorStore builds the author state store.
func NewAuthorStore(path string, logger *zap.Logger) *Store[*AuthorFinderState] {
	return NewStore(path, NewAuthorFinderState, logger, WithValidator(func(s *AuthorFinderState) error {
		if s == nil {
			return errors.New("empty author state")
		}
		if s.CurrentAuthorIndex < 0 {
			return errors.New("negative author index")
		}
		if s.ProcessedAuthors == nil {
			s.ProcessedAuthors = map[string]AuthorRecord{}
		}
		if s.DiscoveredRepositories == nil {
			s.DiscoveredRepositories = []string{}
		}
		return nil
	}))
}
