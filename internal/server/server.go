package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lootline/internal/captcha"
	"lootline/internal/domain"
	"lootline/internal/events"
	"lootline/internal/game"
	"lootline/internal/ledger"
	"lootline/internal/matcher"
	"lootline/internal/roster"
)

// Config for the HTTP API handler.
type Config struct {
	Bridge   *captcha.Bridge
	Roster   *roster.Roster
	Guard    *matcher.Guard
	Ledger   ledger.Repo
	Executor *ledger.Executor
	Events   events.Reader
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"challenge not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API.
func New(cfg Config) (http.Handler, error) {
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Lootline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerWidget(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerChallenges(group, cfg)
	registerLooters(group, cfg)
	registerCommitments(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	if errors.Is(err, captcha.ErrChallengeNotFound) || errors.Is(err, ledger.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, captcha.ErrChallengeExpired) {
		return newAPIError(http.StatusGone, "challenge_expired", err.Error(), nil)
	}
	var apiErr *game.APIError
	if errors.As(err, &apiErr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": apiErr.StatusCode, "code": apiErr.Code})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusGone:
		return "challenge_expired"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestrator status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Looters:            len(cfg.Roster.Looters()),
			EligibleTeams:      len(cfg.Roster.Eligible()),
			OpenChallenges:     len(cfg.Bridge.Pending()),
			PendingCommitments: len(cfg.Executor.Pending()),
		}}, nil
	})
}

func registerChallenges(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges",
		Summary:     "List open challenges",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ChallengeResponse `json:"body"`
	}, error) {
		pending := cfg.Bridge.Pending()
		items := make([]ChallengeResponse, 0, len(pending))
		for _, c := range pending {
			items = append(items, challengeResponse(c))
		}
		return &struct {
			Body []ChallengeResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}",
		Summary:     "Get one challenge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		c, ok := cfg.Bridge.Get(input.ChallengeID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "challenge not found", nil)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-challenge-result",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/result",
		Summary:     "Deliver a solved captcha proof",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusGone,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
		Body        DeliverResultRequest
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Proof) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "proof is required", nil)
		}
		if p, ok := principalFromContext(ctx); ok {
			ctx = captcha.WithActor(ctx, p.Subject)
		}
		if err := cfg.Bridge.Deliver(ctx, input.ChallengeID, input.Body.Proof); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "committed"}}, nil
	})
}

func registerLooters(api huma.API, cfg Config) {
	looterStatus := func(ctx context.Context, looter domain.Looter) (LooterStatusResponse, error) {
		pending, err := cfg.Ledger.CountPendingForLooter(ctx, looter.Address)
		if err != nil {
			return LooterStatusResponse{}, err
		}
		openChallenges := cfg.Bridge.OpenForLooter(looter.Address)
		cooling := cfg.Guard.HasRecentlyActed(looter.Address)
		resp := LooterStatusResponse{
			Address:              looter.Address,
			Name:                 looter.Name,
			Busy:                 pending > 0 || openChallenges > 0 || cooling,
			CoolingDown:          cooling,
			PendingVerifications: openChallenges,
			PendingCommitments:   pending,
			Teams:                []TeamResponse{},
		}
		for _, configured := range looter.Teams {
			if t, ok := cfg.Roster.Team(configured.ID); ok {
				resp.Teams = append(resp.Teams, teamResponse(t))
			}
		}
		sort.Slice(resp.Teams, func(i, j int) bool { return resp.Teams[i].ID < resp.Teams[j].ID })
		return resp, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-looters",
		Method:      http.MethodGet,
		Path:        "/looters",
		Summary:     "List managed looters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LooterStatusResponse `json:"body"`
	}, error) {
		looters := cfg.Roster.Looters()
		items := make([]LooterStatusResponse, 0, len(looters))
		for _, l := range looters {
			resp, err := looterStatus(ctx, l)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, resp)
		}
		return &struct {
			Body []LooterStatusResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "looter-status",
		Method:      http.MethodGet,
		Path:        "/looters/{address}/status",
		Summary:     "Looter status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body LooterStatusResponse `json:"body"`
	}, error) {
		for _, l := range cfg.Roster.Looters() {
			if strings.EqualFold(l.Address, input.Address) {
				resp, err := looterStatus(ctx, l)
				if err != nil {
					return nil, handleError(err)
				}
				return &struct {
					Body LooterStatusResponse `json:"body"`
				}{Body: resp}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "looter not managed", nil)
	})
}

func registerCommitments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-commitments",
		Method:      http.MethodGet,
		Path:        "/commitments",
		Summary:     "List commitments",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []CommitmentResponse `json:"body"`
	}, error) {
		items, err := cfg.Ledger.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]CommitmentResponse, 0, len(items))
		for _, c := range items {
			resp = append(resp, commitmentResponse(c))
		}
		return &struct {
			Body []CommitmentResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-commitment",
		Method:      http.MethodGet,
		Path:        "/commitments/{mine_id}",
		Summary:     "Get the commitment for a mine",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MineID int64 `path:"mine_id"`
	}) (*struct {
		Body CommitmentResponse `json:"body"`
	}, error) {
		c, err := cfg.Ledger.Get(ctx, input.MineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitmentResponse `json:"body"`
		}{Body: commitmentResponse(c)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"challenge,commitment"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := cfg.Events.Latest(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lootline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Operator-Key.
    </p>
  </body>
</html>`, specURL)
}
