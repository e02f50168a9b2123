package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trustvault/internal/dispute"
	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/engine/auth"
	"trustvault/internal/lifecycle"
	"trustvault/internal/render"
	"trustvault/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: approve by freelancer (contract active, milestone submitted)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// New returns an HTTP handler exposing the TrustVault API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TrustVault API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerJournal(group, cfg.Engine)
	registerAuthorizations(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve  *domain.ValidationError
		ie  *domain.IncompleteEvidenceError
		oe  *domain.EscrowOverflowError
		te  *domain.InvalidTransitionError
		ce  *domain.ConcurrentModificationError
		are *domain.AuthorizationRequiredError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"problems": ve.Problems})
	case errors.As(err, &ie):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_evidence", err.Error(), map[string]any{"milestone_id": ie.MilestoneID, "missing": ie.Missing})
	case errors.As(err, &oe):
		return newAPIError(http.StatusUnprocessableEntity, "escrow_overflow", err.Error(), map[string]any{"balance": oe.Balance, "amount": oe.Amount, "total": oe.Total})
	case errors.As(err, &te):
		details := map[string]any{"action": te.Action, "contract_status": te.ContractStatus}
		if te.MilestoneStatus != "" {
			details["milestone_status"] = te.MilestoneStatus
		}
		if te.Role != "" {
			details["role"] = te.Role
		}
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"expected": ce.Expected, "actual": ce.Actual})
	case errors.As(err, &are):
		return newAPIError(http.StatusForbidden, "authorization_required", err.Error(), map[string]any{"action": are.Action})
	case errors.Is(err, auth.ErrDeclined):
		return newAPIError(http.StatusForbidden, "authorization_declined", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// isArbiter reports whether actor sits on the arbiter panel. An empty panel
// admits any arbiter claim.
func isArbiter(e engine.Engine, actor domain.Actor) bool {
	if actor.Role != domain.RoleArbiter {
		return false
	}
	if e.Config == nil || len(e.Config.Arbiters) == 0 {
		return true
	}
	return slices.Contains(e.Config.Arbiters, actor.ID)
}

// loadVisible reads a contract the caller is a party to, or any contract
// for an arbiter. Strangers get not found.
func loadVisible(ctx context.Context, e engine.Engine, contractID string) (domain.Contract, domain.Actor, error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return domain.Contract{}, domain.Actor{}, authErr
	}
	c, err := e.Get(ctx, contractID)
	if err != nil {
		return domain.Contract{}, actor, handleError(err)
	}
	if _, party := c.RoleOf(actor.ID); !party && !isArbiter(e, actor) {
		return domain.Contract{}, actor, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("contract %s: not found", contractID), nil)
	}
	return c, actor, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TrustVault API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create draft contract",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor.Role = input.Body.As
		c, err := e.CreateDraft(ctx, input.Body.Title, actor, input.Body.CounterpartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Description: "Parties see their own contracts. Arbiters may list any party or all contracts.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Party  string `query:"party"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*body[ContractList], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.Filter{Status: domain.ContractStatus(input.Status), PartyID: input.Party}
		if !isArbiter(e, actor) {
			f.PartyID = actor.ID
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f.CursorCreatedAt, f.CursorID = ts, id
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ContractList{Items: nonNil(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[domain.Contract], error) {
		c, _, err := loadVisible(ctx, e, input.ContractID)
		if err != nil {
			return nil, err
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/actions",
		Summary:     "Actions the caller may take now",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID  string `path:"contract_id"`
		MilestoneID string `query:"milestone_id"`
	}) (*body[ActionsResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actions, err := e.AllowedActions(ctx, input.ContractID, input.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ActionsResponse{ContractID: input.ContractID, MilestoneID: input.MilestoneID, Actions: nonNil(actions)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/refund",
		Summary:     "Refund all held funds and close the contract (arbiter)",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RefundContract(ctx, input.ContractID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/agreement",
		Summary:     "Render the signed agreement as text",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Fingerprint string `header:"X-Agreement-Fingerprint"`
		Body        []byte
	}, error) {
		c, _, err := loadVisible(ctx, e, input.ContractID)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := render.Agreement(&buf, c); err != nil {
			return nil, handleError(err)
		}
		fp, err := render.Fingerprint(c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Fingerprint string `header:"X-Agreement-Fingerprint"`
			Body        []byte
		}{ContentType: "text/plain; charset=utf-8", Fingerprint: fp, Body: buf.Bytes()}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-proposal",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/proposal",
		Summary:     "Send the draft to the counterparty",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SubmitProposal(ctx, input.ContractID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-proposal",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/response",
		Summary:     "Accept, reject or propose changes",
		Description: "propose-changes returns the new draft; the original contract is unchanged.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string         `path:"contract_id"`
		Body       RespondRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Respond(ctx, input.ContractID, actor, input.Body.Decision, input.Body.Authorization)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "modify-proposal",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/modifications",
		Summary:       "Counter-propose with new milestone terms",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string        `path:"contract_id"`
		Body       ModifyRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		specs := make([]domain.MilestoneSpec, 0, len(input.Body.Milestones))
		for _, m := range input.Body.Milestones {
			specs = append(specs, m.spec())
		}
		c, err := e.ModifyProposal(ctx, input.ContractID, actor, specs)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

type milestonePath struct {
	ContractID  string `path:"contract_id"`
	MilestoneID string `path:"milestone_id"`
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-milestone",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/milestones",
		Summary:       "Add a milestone to a draft",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string           `path:"contract_id"`
		Body       MilestoneRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddMilestone(ctx, input.ContractID, actor, input.Body.spec())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-milestone",
		Method:      http.MethodPut,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}",
		Summary:     "Replace the terms of a draft milestone",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string           `path:"contract_id"`
		MilestoneID string           `path:"milestone_id"`
		Body        MilestoneRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.EditMilestone(ctx, input.ContractID, input.MilestoneID, actor, input.Body.spec())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-milestone",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/fund",
		Summary:     "Deposit the milestone amount into escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string            `path:"contract_id"`
		MilestoneID string            `path:"milestone_id"`
		Body        AuthorizedRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.FundMilestone(ctx, input.ContractID, input.MilestoneID, actor, input.Body.Authorization)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-work",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/start",
		Summary:     "Mark a funded milestone in progress",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *milestonePath) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.StartWork(ctx, input.ContractID, input.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/submit",
		Summary:     "Submit evidence for every deliverable",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string            `path:"contract_id"`
		MilestoneID string            `path:"milestone_id"`
		Body        SubmitWorkRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SubmitWork(ctx, input.ContractID, input.MilestoneID, actor, input.Body.Evidence)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/approve",
		Summary:     "Approve submitted work and release escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string            `path:"contract_id"`
		MilestoneID string            `path:"milestone_id"`
		Body        AuthorizedRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ApproveMilestone(ctx, input.ContractID, input.MilestoneID, actor, input.Body.Authorization)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-dispute",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/milestones/{milestone_id}/dispute",
		Summary:       "Dispute submitted work",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string              `path:"contract_id"`
		MilestoneID string              `path:"milestone_id"`
		Body        RaiseDisputeRequest `json:"body"`
	}) (*body[DisputeResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, rep, err := e.RaiseDispute(ctx, input.ContractID, input.MilestoneID, actor, lifecycle.DisputeInput{
			Reason:         input.Body.Reason,
			Comments:       input.Body.Comments,
			FailedCriteria: input.Body.FailedCriteria,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DisputeResponse{Contract: c, Report: rep}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/resolution",
		Summary:     "Release, refund or escalate a dispute",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID  string                `path:"contract_id"`
		MilestoneID string                `path:"milestone_id"`
		Body        ResolveDisputeRequest `json:"body"`
	}) (*body[domain.Contract], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResolveDispute(ctx, input.ContractID, input.MilestoneID, actor, input.Body.Outcome, input.Body.Authorization)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-report",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/report",
		Summary:     "Compliance report for a disputed milestone",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *milestonePath) (*body[dispute.Report], error) {
		if _, _, err := loadVisible(ctx, e, input.ContractID); err != nil {
			return nil, err
		}
		rep, err := e.Report(ctx, input.ContractID, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})
}

func registerJournal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "contract-events",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/events",
		Summary:     "Events recorded for a contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[[]domain.Event], error) {
		if _, _, err := loadVisible(ctx, e, input.ContractID); err != nil {
			return nil, err
		}
		items, err := e.Events(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contract-ledger",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/ledger",
		Summary:     "Escrow ledger for a contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[[]domain.LedgerEntry], error) {
		if _, _, err := loadVisible(ctx, e, input.ContractID); err != nil {
			return nil, err
		}
		items, err := e.Ledger(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Global event journal (arbiters)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" default:"50"`
	}) (*body[EventList], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !isArbiter(e, actor) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "the event journal is limited to arbiters", nil)
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.EventsAfter(ctx, cursor, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: nonNil(items)}
		if len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return reply(resp), nil
	})
}

func registerAuthorizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "authorize",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/authorizations",
		Summary:       "Request an authorization token for fund, accept or release",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*body[TokenResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		token, err := e.Authorize(ctx, input.ContractID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TokenResponse{Token: token}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a bearer token for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[TokenResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(TokenResponse{Token: token}), nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
