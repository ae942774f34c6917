package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lbot/internal/app"
	"lbot/internal/checker"
	"lbot/internal/command"
	"lbot/internal/domain"
	"lbot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Bot      app.Bot
	Checker  *checker.Checker
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"group not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bot API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Bot.Dispatcher == nil {
		return nil, errors.New("server: bot dispatcher is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("server: checker is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("lbot API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &handlers{bot: cfg.Bot, checker: cfg.Checker, log: cfg.Log}
	registerHealth(group)
	s.registerDispatch(group)
	s.registerChecks(group)
	s.registerTasks(group)
	s.registerJobs(group)
	s.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	bot     app.Bot
	checker *checker.Checker
	log     *zap.Logger
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func (s *handlers) handleError(op string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *handlers) registerDispatch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Handle one inbound chat message",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleBot); err != nil {
			return nil, err
		}
		reply, err := s.bot.Handle(ctx, app.Inbound{
			ServiceKind: input.Body.ServiceKind,
			UserID:      input.Body.UserID,
			UserName:    input.Body.UserName,
			GroupID:     input.Body.GroupID,
			GroupName:   input.Body.GroupName,
			Text:        input.Body.Text,
		})
		if err != nil {
			return nil, s.handleError("dispatch", err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{Reply: reply, Replied: reply != command.NoReply}}, nil
	})
}

func (s *handlers) registerChecks(api huma.API) {
	kinds := make([]string, 0, len(checker.Kinds()))
	for _, k := range checker.Kinds() {
		kinds = append(kinds, string(k))
	}
	huma.Register(api, huma.Operation{
		OperationID: "run-check",
		Method:      http.MethodPost,
		Path:        "/checks/{kind}",
		Summary:     "Run the task checker",
		Description: "Blocks until the checker lock is free. kind is one of " + strings.Join(kinds, ", ") + ".",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Kind  string `path:"kind"`
		Force bool   `query:"force"`
	}) (*struct {
		Body CheckResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleScheduler); err != nil {
			return nil, err
		}
		kind, err := checker.ParseKind(input.Kind)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kinds": kinds})
		}
		rep, err := s.checker.Check(ctx, kind, input.Force)
		if err != nil {
			return nil, s.handleError("check", err)
		}
		return &struct {
			Body CheckResponse `json:"body"`
		}{Body: checkResponse(rep)}, nil
	})
}

func (s *handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks by deadline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Group string `query:"group" doc:"Group name"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		r := s.bot.Engine.Repo
		var filter repo.TaskFilter
		if input.Group != "" {
			g, err := r.GetGroupByName(ctx, nil, input.Group)
			if err != nil {
				return nil, s.handleError("list tasks", err)
			}
			filter.GroupID = g.ID
		}
		tasks, err := r.ListTasks(ctx, nil, filter)
		if err != nil {
			return nil, s.handleError("list tasks", err)
		}
		groups := map[string]string{}
		out := taskList{Items: []TaskResponse{}}
		for _, t := range tasks {
			var groupName string
			if t.GroupID != nil {
				name, ok := groups[*t.GroupID]
				if !ok {
					g, err := r.GetGroup(ctx, nil, *t.GroupID)
					if err != nil {
						return nil, s.handleError("list tasks", err)
					}
					name = g.Name
					groups[*t.GroupID] = name
				}
				groupName = name
			}
			participants, err := r.ListTaskMembers(ctx, nil, t.ID, domain.RoleParticipant)
			if err != nil {
				return nil, s.handleError("list tasks", err)
			}
			out.Items = append(out.Items, taskResponse(t, groupName, participants))
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: out}, nil
	})
}

func (s *handlers) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/groups/{group}/jobs",
		Summary:     "List a group's open attendance checks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Group string `path:"group" doc:"Group name"`
	}) (*struct {
		Body jobList `json:"body"`
	}, error) {
		eng := s.bot.Engine
		g, err := eng.Repo.GetGroupByName(ctx, nil, input.Group)
		if err != nil {
			return nil, s.handleError("list jobs", err)
		}
		open, err := eng.ListOpenJobs(ctx, nil, g.ID)
		if err != nil {
			return nil, s.handleError("list jobs", err)
		}
		out := jobList{Group: g.Name, Mode: g.HasCommandGroup(domain.ConfirmationCommandGroup), Items: []JobResponse{}}
		for _, oj := range open {
			checked, err := eng.Repo.ListCheckedUsers(ctx, nil, oj.Job.ID)
			if err != nil {
				return nil, s.handleError("list jobs", err)
			}
			required, err := eng.Repo.CountTaskMembers(ctx, nil, oj.Task.ID, domain.RoleParticipant)
			if err != nil {
				return nil, s.handleError("list jobs", err)
			}
			out.Items = append(out.Items, jobResponse(oj, checked, required))
		}
		return &struct {
			Body jobList `json:"body"`
		}{Body: out}, nil
	})
}

func (s *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		items, err := s.bot.Engine.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, s.handleError("list events", err)
		}
		out := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			out.Items = append(out.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: out}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
