// Package agent resolves agent names to invocation config and talks to the
// LLM and voice endpoints behind small ports.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aicallyu/olympus/internal/config"
	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/repo"
)

const (
	KindOpenAI = "openai"
	KindHuman  = "human"
	KindNone   = "none"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Store is the subset of repo.Repo the directory needs.
type Store interface {
	GetAgent(ctx context.Context, name string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpsertAgent(ctx context.Context, a domain.Agent) error
}

type Directory struct {
	Store Store
}

// Resolve looks an agent up by name, ignoring case.
func (d Directory) Resolve(ctx context.Context, name string) (domain.Agent, error) {
	name = strings.TrimSpace(strings.TrimPrefix(name, "@"))
	if name == "" {
		return domain.Agent{}, ErrUnknownAgent
	}
	a, err := d.Store.GetAgent(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, err
}

func (d Directory) List(ctx context.Context) ([]domain.Agent, error) {
	return d.Store.ListAgents(ctx)
}

// ByRole returns the non-human agents holding any of roles, in role order.
func (d Directory) ByRole(ctx context.Context, roles ...string) ([]domain.Agent, error) {
	all, err := d.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Agent
	seen := map[string]bool{}
	for _, role := range roles {
		for _, a := range all {
			if IsHuman(a) || !strings.EqualFold(a.Role, role) || seen[strings.ToLower(a.Name)] {
				continue
			}
			seen[strings.ToLower(a.Name)] = true
			res = append(res, a)
		}
	}
	return res, nil
}

// Seed upserts the agents declared in config.
func (d Directory) Seed(ctx context.Context, agents []config.AgentConfig) error {
	for _, c := range agents {
		a := domain.Agent{
			Name:         c.Name,
			Role:         c.Role,
			EndpointKind: c.EndpointKind,
			EndpointURL:  c.EndpointURL,
			Model:        c.Model,
			SystemPrompt: c.SystemPrompt,
			VoiceID:      c.VoiceID,
			SessionKey:   c.SessionKey,
		}
		if a.EndpointKind == "" {
			a.EndpointKind = KindOpenAI
		}
		if err := d.Store.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.Name, err)
		}
	}
	return nil
}

// IsHuman reports whether a participant name belongs to a person rather than
// an invokable agent.
func IsHuman(a domain.Agent) bool {
	return a.EndpointKind == KindHuman || strings.HasPrefix(a.SessionKey, "human:")
}
