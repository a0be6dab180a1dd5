package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aicallyu/olympus/internal/events"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/repo"
)

type DeployEvent struct {
	ProjectID string `json:"project_id"`
	Commit    string `json:"commit"`
	DeployURL string `json:"deploy_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Failed reports a deploy the platform marked as failed. An empty status
// counts as success.
func (d DeployEvent) Failed() bool {
	switch strings.ToLower(d.Status) {
	case "", "success", "succeeded", "ready", "ok":
		return false
	}
	return true
}

type TriggeredGate struct {
	TaskID     string `json:"task_id"`
	Gate       string `json:"gate"`
	Passed     bool   `json:"passed"`
	TaskStatus string `json:"task_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

type DeployResult struct {
	Status    string          `json:"status" enum:"ignored,ok"`
	Triggered []TriggeredGate `json:"triggered"`
}

// HandleDeployEvent reacts to a finished deployment: the live url is updated
// and every task waiting at build or deploy check runs its current gate. Tasks
// in auto_fix whose deploy_check failed retry that gate against the new build.
func (e Engine) HandleDeployEvent(ctx context.Context, ev DeployEvent) (DeployResult, error) {
	if ev.ProjectID == "" {
		return DeployResult{}, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	payload := events.EventPayload{"commit": ev.Commit, "deploy_url": ev.DeployURL, "status": ev.Status}
	if ev.Failed() {
		e.logger().Warn("deploy failed", "project_id", ev.ProjectID, "commit", ev.Commit, "status", ev.Status)
		if err := e.Events.AppendDirect(ctx, events.DeployReceived, ev.ProjectID, "project", ev.ProjectID, "deploy", payload); err != nil {
			return DeployResult{}, err
		}
		return DeployResult{Status: "ignored", Triggered: []TriggeredGate{}}, nil
	}

	if _, err := e.Repo.GetProject(ctx, ev.ProjectID); err != nil {
		return DeployResult{}, fmt.Errorf("%w: project %s: %w", ErrConfiguration, ev.ProjectID, err)
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if ev.DeployURL != "" {
			if err := e.Repo.UpdateProjectLiveURL(ctx, tx, ev.ProjectID, ev.DeployURL); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.DeployReceived, ev.ProjectID, "project", ev.ProjectID, "deploy", payload)
	})
	if err != nil {
		return DeployResult{}, err
	}

	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID: ev.ProjectID,
		Statuses: []string{
			string(pipeline.StatusBuildCheck),
			string(pipeline.StatusDeployCheck),
			string(pipeline.StatusAutoFix),
		},
	})
	if err != nil {
		return DeployResult{}, err
	}
	res := DeployResult{Status: "ok", Triggered: []TriggeredGate{}}
	for _, t := range tasks {
		g, ok := pipeline.GateForStatus(pipeline.Status(t.Status))
		if !ok {
			// auto_fix: only a failed deploy_check is fixed by a redeploy.
			if t.GateStatus[string(pipeline.GateDeploy)].Status != pipeline.GateFailed {
				continue
			}
			g = pipeline.GateDeploy
		}
		tg := TriggeredGate{TaskID: t.ID, Gate: string(g)}
		out, err := e.runChain(ctx, GateRequest{TaskID: t.ID, ProjectID: t.ProjectID, Gate: string(g), ActorID: "deploy"}, true)
		if err != nil {
			// One task's fault must not stop the others.
			tg.Error = err.Error()
			e.logger().Warn("deploy trigger", "task_id", t.ID, "gate", g, "err", err)
		} else {
			tg.Passed = out.Passed
			tg.TaskStatus = out.FinalStatus()
		}
		res.Triggered = append(res.Triggered, tg)
	}
	e.logger().Info("deploy handled", "project_id", ev.ProjectID, "commit", ev.Commit, "triggered", len(res.Triggered))
	return res, nil
}
