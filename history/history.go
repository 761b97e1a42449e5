// Package history records what happened at every step of a run.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/errors"
)

// StepMetadata times a step and records its prompt size.
type StepMetadata struct {
	StepNumber  int       `json:"step_number"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	InputTokens int       `json:"input_tokens"`
}

func (m StepMetadata) Duration() time.Duration { return m.EndTime.Sub(m.StartTime) }

// Entry is the record of one step. Entries are never modified once appended.
type Entry struct {
	ModelOutput *action.Output   `json:"model_output"`
	Results     []action.Result  `json:"result"`
	State       app.StateHistory `json:"state"`
	Metadata    *StepMetadata    `json:"metadata,omitempty"`
}

// Store is the append-only run history. It is safe to read while the
// engine appends.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
}

func New() *Store { return &Store{} }

func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Entries returns a copy of the recorded entries.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// IsDone reports whether the last result of the last entry is terminal.
func (s *Store) IsDone() bool {
	e, ok := s.last()
	if !ok || len(e.Results) == 0 {
		return false
	}
	return e.Results[len(e.Results)-1].IsDone
}

// IsSuccessful reports whether the run finished and said it succeeded.
func (s *Store) IsSuccessful() bool {
	e, ok := s.last()
	if !ok || len(e.Results) == 0 {
		return false
	}
	r := e.Results[len(e.Results)-1]
	return r.IsDone && r.Success
}

// TotalInputTokens sums the prompt size of every recorded step.
func (s *Store) TotalInputTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, e := range s.entries {
		if e.Metadata != nil {
			total += e.Metadata.InputTokens
		}
	}
	return total
}

// TotalDuration sums step durations.
func (s *Store) TotalDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total time.Duration
	for _, e := range s.entries {
		if e.Metadata != nil {
			total += e.Metadata.Duration()
		}
	}
	return total
}

// FinalResult is the extracted content of the last result, if any.
func (s *Store) FinalResult() string {
	e, ok := s.last()
	if !ok || len(e.Results) == 0 {
		return ""
	}
	return e.Results[len(e.Results)-1].ExtractedContent
}

// LastResults returns the results of the most recent step.
func (s *Store) LastResults() []action.Result {
	e, ok := s.last()
	if !ok {
		return nil
	}
	return append([]action.Result(nil), e.Results...)
}

// Errors lists the first error of every step, "" for steps without one.
func (s *Store) Errors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		msg := ""
		for _, r := range e.Results {
			if r.Error != "" {
				msg = r.Error
				break
			}
		}
		out = append(out, msg)
	}
	return out
}

// ActionNames lists every action the model chose, oldest first.
func (s *Store) ActionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.entries {
		if e.ModelOutput == nil {
			continue
		}
		for _, a := range e.ModelOutput.Actions {
			if !a.IsEmpty() {
				out = append(out, a.Name)
			}
		}
	}
	return out
}

// Save writes the history as JSON, creating parent directories.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(struct {
		History []Entry `json:"history"`
	}{s.entries}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize history")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "could not create history directory")
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a history written by Save.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read history file %s", path)
	}
	var doc struct {
		History []Entry `json:"history"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "could not parse history file %s", path)
	}
	return &Store{entries: doc.History}, nil
}
