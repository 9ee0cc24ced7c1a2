// Package seed loads agents, their stages, knowledge snippets and calendar
// credentials from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/StagePipe/internal/knowledge"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// File is the decoded seed document.
type File struct {
	Agents              []Agent      `yaml:"agents"`
	CalendarCredentials []Credential `yaml:"calendar_credentials"`

	dir string // directory credential paths are resolved against
}

// Agent is an agent profile plus its optional stages and knowledge.
type Agent struct {
	models.Agent `yaml:",inline"`
	Stages       []models.Stage `yaml:"stages"`
	Knowledge    []Snippet      `yaml:"knowledge"`
}

// Snippet is a knowledge entry. A bare string is accepted as content.
type Snippet struct {
	ID      string `yaml:"id"`
	Content string `yaml:"content"`
	Source  string `yaml:"source"`
}

// UnmarshalYAML accepts either a scalar or a mapping.
func (s *Snippet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Content = node.Value
		return nil
	}
	type plain Snippet
	return node.Decode((*plain)(s))
}

// Credential points at a calendar credentials JSON file.
type Credential struct {
	OwnerID         string `yaml:"owner_id"`
	CalendarID      string `yaml:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads and validates the seed file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	file, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	file.dir = filepath.Dir(path)
	return file, nil
}

// Parse decodes and validates a seed document. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks agent ids, stage lists and credential entries.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("agents[%d]: duplicate agent id %q", i, id)
		}
		seen[id] = true
		if len(a.Stages) > 0 {
			if _, err := models.NewStageList(a.Stages); err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
		}
		for j, s := range a.Knowledge {
			if strings.TrimSpace(s.Content) == "" {
				return fmt.Errorf("agent %s: knowledge[%d] has no content", id, j)
			}
		}
	}
	for i, c := range f.CalendarCredentials {
		if strings.TrimSpace(c.OwnerID) == "" || strings.TrimSpace(c.CredentialsFile) == "" {
			return fmt.Errorf("calendar_credentials[%d]: owner_id and credentials_file are required", i)
		}
	}
	return nil
}

// StageReplacer stores an agent's stage list.
type StageReplacer interface {
	Replace(agentID string, stages []models.Stage) (models.StageList, error)
}

// Indexer adds knowledge snippets for an agent.
type Indexer interface {
	AddSnippets(ctx context.Context, agentID string, snippets []knowledge.Snippet) error
}

// Targets are the destinations of Apply. Knowledge may be nil, in which case
// snippets are skipped.
type Targets struct {
	Agents      store.AgentRepo
	Stages      StageReplacer
	Credentials store.CredentialRepo
	Knowledge   Indexer
	Clock       func() time.Time
}

// Summary counts what Apply wrote.
type Summary struct {
	Agents      int
	Stages      int
	Snippets    int
	Credentials int
}

// Apply upserts everything in f. Agents keep their original CreatedAt when
// they already exist.
func Apply(ctx context.Context, f *File, t Targets) (Summary, error) {
	now := time.Now
	if t.Clock != nil {
		now = t.Clock
	}
	var sum Summary
	for _, a := range f.Agents {
		agent := a.Agent
		agent.UpdatedAt = now()
		existing, err := t.Agents.GetAgent(agent.ID)
		if err != nil {
			return sum, fmt.Errorf("failed to load agent %s: %w", agent.ID, err)
		}
		if existing != nil {
			agent.CreatedAt = existing.CreatedAt
		} else {
			agent.CreatedAt = agent.UpdatedAt
		}
		if agent.Language == "" {
			agent.Language = "pt-BR"
		}
		if err := t.Agents.SaveAgent(agent); err != nil {
			return sum, fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
		}
		sum.Agents++

		if len(a.Stages) > 0 {
			list, err := t.Stages.Replace(agent.ID, append([]models.Stage(nil), a.Stages...))
			if err != nil {
				return sum, fmt.Errorf("failed to save stages for %s: %w", agent.ID, err)
			}
			sum.Stages += len(list)
		}

		if len(a.Knowledge) > 0 {
			if t.Knowledge == nil {
				slog.Warn("seed.Apply: knowledge base disabled, skipping snippets", "agentID", agent.ID, "count", len(a.Knowledge))
			} else {
				snippets := make([]knowledge.Snippet, len(a.Knowledge))
				for i, s := range a.Knowledge {
					id := s.ID
					if id == "" {
						id = fmt.Sprintf("%s-seed-%d", agent.ID, i)
					}
					snippets[i] = knowledge.Snippet{ID: id, Content: s.Content, Source: s.Source}
				}
				if err := t.Knowledge.AddSnippets(ctx, agent.ID, snippets); err != nil {
					return sum, fmt.Errorf("failed to index knowledge for %s: %w", agent.ID, err)
				}
				sum.Snippets += len(snippets)
			}
		}
	}

	for _, c := range f.CalendarCredentials {
		path := c.CredentialsFile
		if !filepath.IsAbs(path) && f.dir != "" {
			path = filepath.Join(f.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return sum, fmt.Errorf("failed to read credentials for owner %s: %w", c.OwnerID, err)
		}
		cred := models.CalendarCredential{
			OwnerID:         c.OwnerID,
			CalendarID:      c.CalendarID,
			CredentialsJSON: string(data),
			CreatedAt:       now(),
		}
		if err := t.Credentials.SaveCalendarCredential(cred); err != nil {
			return sum, fmt.Errorf("failed to save credentials for owner %s: %w", c.OwnerID, err)
		}
		sum.Credentials++
	}
	slog.Info("seed.Apply: seed applied", "agents", sum.Agents, "stages", sum.Stages, "snippets", sum.Snippets, "credentials", sum.Credentials)
	return sum, nil
}
