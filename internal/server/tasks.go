package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/engine"
	"github.com/aicallyu/olympus/internal/repo"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func (a api) registerProjects(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := required("id", input.Body.ID); err != nil {
			return nil, err
		}
		p, err := a.engine.CreateProject(ctx, domain.Project{
			ID:               input.Body.ID,
			Name:             input.Body.Name,
			LiveURL:          input.Body.LiveURL,
			RepoPath:         input.Body.RepoPath,
			ExpectedRoutes:   input.Body.ExpectedRoutes,
			ExpectedElements: input.Body.ExpectedElements,
		}, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]domain.Project `json:"body"`
	}, error) {
		items, err := a.engine.Repo.ListProjects(ctx)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body map[string][]domain.Project `json:"body"`
		}{Body: map[string][]domain.Project{"items": items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status and task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := a.engine.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		counts, err := a.engine.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project":     p,
			"task_counts": counts,
		}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/notifications",
		Summary:     "Dashboard notification feed, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type" enum:"info,warning,escalation,prod_alert,"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body NotificationList `json:"body"`
	}, error) {
		items, err := a.engine.Repo.ListNotifications(ctx, repo.NotificationFilters{
			ProjectID: input.ProjectID, TaskID: input.TaskID, Type: input.Type, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body NotificationList `json:"body"`
		}{Body: NotificationList{Items: items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/escalations",
		Summary:     "Tasks waiting for a human decision",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body EscalationList `json:"body"`
	}, error) {
		items, err := a.engine.ListEscalations(ctx, input.ProjectID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body EscalationList `json:"body"`
		}{Body: EscalationList{Items: items}}, nil
	})
}

func (a api) registerTasks(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := required("title", input.Body.Title); err != nil {
			return nil, err
		}
		t, err := a.engine.CreateTask(ctx, engine.TaskCreateOptions{
			ID:                 input.Body.ID,
			ProjectID:          input.ProjectID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Assignee:           input.Body.Assignee,
			HumanCheckpoint:    input.Body.HumanCheckpoint,
			AcceptanceCriteria: criteria(input.Body.AcceptanceCriteria),
			ActorID:            actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string   `path:"project_id"`
		Status    []string `query:"status"`
		Assignee  string   `query:"assignee"`
		Limit     int      `query:"limit" default:"50"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := a.engine.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID, Statuses: input.Status, Assignee: input.Assignee, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.engine.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Move a task on the board",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.engine.UpdateTaskStatus(ctx, input.TaskID, input.Body.Status, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign a task to an agent",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := required("assignee", input.Body.Assignee); err != nil {
			return nil, err
		}
		t, err := a.engine.AssignTask(ctx, input.TaskID, input.Body.Assignee, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/verifications",
		Summary:     "Verification records of a task, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Gate   string `query:"gate" enum:"build_check,deploy_check,perception_check,human_checkpoint,"`
	}) (*struct {
		Body VerificationList `json:"body"`
	}, error) {
		if _, err := a.engine.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, a.handleError(ctx, err)
		}
		items, err := a.engine.Repo.ListVerifications(ctx, input.TaskID, input.Gate)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Verification{}
		}
		return &struct {
			Body VerificationList `json:"body"`
		}{Body: VerificationList{Items: items}}, nil
	})
}

func (a api) registerHumanActions(g huma.API) {
	gateOp := func(id, p, summary string) huma.Operation {
		return huma.Operation{OperationID: id, Method: http.MethodPost, Path: p, Summary: summary, Errors: commonErrors}
	}
	type gateOut struct {
		Body GateRunResponse `json:"body"`
	}
	type taskOut struct {
		Body domain.Task `json:"body"`
	}
	notes := func(n *NotesRequest) string {
		if n == nil {
			return ""
		}
		return n.Notes
	}

	huma.Register(g, gateOp("submit-task", "/tasks/{task_id}/submit", "Submit a task for verification"),
		func(ctx context.Context, input *taskPath) (*gateOut, error) {
			out, err := a.engine.SubmitForVerification(ctx, input.TaskID, actorIDFromContext(ctx))
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &gateOut{Body: gateRunResponse(out)}, nil
		})

	huma.Register(g, gateOp("complete-auto-fix", "/tasks/{task_id}/auto-fix/complete", "Signal that an auto-fix landed and re-run the failed gate"),
		func(ctx context.Context, input *struct {
			TaskID string        `path:"task_id"`
			Body   *NotesRequest `json:"body" required:"false"`
		}) (*gateOut, error) {
			out, err := a.engine.CompleteAutoFix(ctx, input.TaskID, actorIDFromContext(ctx), notes(input.Body))
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &gateOut{Body: gateRunResponse(out)}, nil
		})

	huma.Register(g, gateOp("approve-checkpoint", "/tasks/{task_id}/checkpoint/approve", "Approve at the human checkpoint"),
		func(ctx context.Context, input *struct {
			TaskID string        `path:"task_id"`
			Body   *NotesRequest `json:"body" required:"false"`
		}) (*taskOut, error) {
			t, err := a.engine.Approve(ctx, input.TaskID, actorIDFromContext(ctx), notes(input.Body))
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &taskOut{Body: t}, nil
		})

	huma.Register(g, gateOp("reject-task", "/tasks/{task_id}/checkpoint/reject", "Reject at the human checkpoint or an escalation"),
		func(ctx context.Context, input *struct {
			TaskID string       `path:"task_id"`
			Body   NotesRequest `json:"body"`
		}) (*taskOut, error) {
			t, err := a.engine.Reject(ctx, input.TaskID, actorIDFromContext(ctx), input.Body.Notes)
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &taskOut{Body: t}, nil
		})

	huma.Register(g, gateOp("retry-escalation", "/tasks/{task_id}/escalation/retry", "Retry an escalated gate with instructions"),
		func(ctx context.Context, input *struct {
			TaskID string       `path:"task_id"`
			Body   RetryRequest `json:"body"`
		}) (*gateOut, error) {
			out, err := a.engine.RetryWithInstructions(ctx, input.TaskID, actorIDFromContext(ctx), input.Body.Instructions)
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &gateOut{Body: gateRunResponse(out)}, nil
		})

	huma.Register(g, gateOp("reassign-escalation", "/tasks/{task_id}/escalation/reassign", "Reassign an escalated task and re-run its gate"),
		func(ctx context.Context, input *struct {
			TaskID string          `path:"task_id"`
			Body   ReassignRequest `json:"body"`
		}) (*gateOut, error) {
			out, err := a.engine.Reassign(ctx, input.TaskID, actorIDFromContext(ctx), input.Body.Agent)
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &gateOut{Body: gateRunResponse(out)}, nil
		})

	huma.Register(g, gateOp("adjust-criteria", "/tasks/{task_id}/escalation/criteria", "Replace acceptance criteria of an escalated task and re-run its gate"),
		func(ctx context.Context, input *struct {
			TaskID string                `path:"task_id"`
			Body   AdjustCriteriaRequest `json:"body"`
		}) (*gateOut, error) {
			out, err := a.engine.AdjustCriteria(ctx, input.TaskID, actorIDFromContext(ctx), criteria(input.Body.AcceptanceCriteria))
			if err != nil {
				return nil, a.handleError(ctx, err)
			}
			return &gateOut{Body: gateRunResponse(out)}, nil
		})
}

func (a api) registerGates(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "run-gate",
		Method:      http.MethodPost,
		Path:        "/gates/run",
		Summary:     "Run one attempt of an automated gate",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body RunGateRequest `json:"body"`
	}) (*struct {
		Body GateRunResponse `json:"body"`
	}, error) {
		if err := required("task_id", input.Body.TaskID); err != nil {
			return nil, err
		}
		out, err := a.engine.RunGate(ctx, engine.GateRequest{
			TaskID:             input.Body.TaskID,
			ProjectID:          input.Body.ProjectID,
			Gate:               input.Body.Gate,
			Attempt:            input.Body.Attempt,
			AcceptanceCriteria: criteria(input.Body.AcceptanceCriteria),
			ActorID:            actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body GateRunResponse `json:"body"`
		}{Body: gateRunResponse(out)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "deploy-event",
		Method:      http.MethodPost,
		Path:        "/deploy-events",
		Summary:     "Report a finished deployment",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body DeployEventRequest `json:"body"`
	}) (*struct {
		Body engine.DeployResult `json:"body"`
	}, error) {
		res, err := a.engine.HandleDeployEvent(ctx, engine.DeployEvent{
			ProjectID: input.Body.ProjectID,
			Commit:    input.Body.Commit,
			DeployURL: input.Body.DeployURL,
			Status:    input.Body.Status,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body engine.DeployResult `json:"body"`
		}{Body: res}, nil
	})
}

func (a api) registerEvents(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task,room,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := a.engine.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID, Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
			Before: before, Limit: limit + 1,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
