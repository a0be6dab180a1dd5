package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aicallyu/olympus/internal/domain"
)

const agentColumns = `name,role,endpoint_kind,COALESCE(endpoint_url,''),COALESCE(model,''),COALESCE(system_prompt,''),COALESCE(voice_id,''),COALESCE(session_key,'')`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.Name, &a.Role, &a.EndpointKind, &a.EndpointURL, &a.Model, &a.SystemPrompt, &a.VoiceID, &a.SessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// UpsertAgent inserts or replaces an agent keyed by case-insensitive name.
func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(name,role,endpoint_kind,endpoint_url,model,system_prompt,voice_id,session_key) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET role=excluded.role, endpoint_kind=excluded.endpoint_kind, endpoint_url=excluded.endpoint_url,
model=excluded.model, system_prompt=excluded.system_prompt, voice_id=excluded.voice_id, session_key=excluded.session_key`,
		a.Name, a.Role, a.EndpointKind, nullable(a.EndpointURL), nullable(a.Model), nullable(a.SystemPrompt), nullable(a.VoiceID), nullable(a.SessionKey))
	return err
}

func (r Repo) GetAgent(ctx context.Context, name string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
