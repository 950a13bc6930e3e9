// Package statusapi serves endpoint diagnostics over HTTP and fetches them
// from a remote agent.
package statusapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nat-tunnel/agent/internal/diagnostics"
	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/internal/tunnelerr"
)

const (
	pathStatus   = "/api/status"
	pathEndpoint = "/api/status/{endpoint}"
	apiTitle     = "nat-tunnel agent"
	apiVersion   = "1.0.0"
)

// Reporter produces diagnostics for installed endpoints.
type Reporter interface {
	Inspect(ctx context.Context, name string) (diagnostics.Report, error)
	Endpoints() ([]string, error)
}

type Handler struct {
	reporter Reporter
	tokens   *Tokens
}

func NewHandler(reporter Reporter, tokens *Tokens) *Handler {
	return &Handler{reporter: reporter, tokens: tokens}
}

type EndpointInput struct {
	Endpoint string `path:"endpoint" maxLength:"64" doc:"Endpoint name"`
}

type ReportOutput struct {
	Body diagnostics.Report
}

type ListOutput struct {
	Body struct {
		Endpoints []Summary `json:"endpoints"`
	}
}

type Summary struct {
	Name    string              `json:"name"`
	State   endpoint.State      `json:"state"`
	Verdict diagnostics.Verdict `json:"verdict"`
}

// Router returns the complete HTTP handler.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(h.tokens))
		api := humachi.New(r, huma.DefaultConfig(apiTitle, apiVersion))
		huma.Register(api, huma.Operation{
			OperationID: "list-status",
			Method:      http.MethodGet,
			Path:        pathStatus,
			Summary:     "Summarize every installed endpoint",
		}, h.list)
		huma.Register(api, huma.Operation{
			OperationID: "endpoint-status",
			Method:      http.MethodGet,
			Path:        pathEndpoint,
			Summary:     "Diagnostic report for one endpoint",
		}, h.endpoint)
	})
}

func (h *Handler) list(ctx context.Context, _ *struct{}) (*ListOutput, error) {
	names, err := h.reporter.Endpoints()
	if err != nil {
		return nil, toHumaError(err)
	}
	out := &ListOutput{}
	out.Body.Endpoints = []Summary{}
	for _, name := range names {
		rep, err := h.reporter.Inspect(ctx, name)
		if err != nil {
			return nil, toHumaError(err)
		}
		out.Body.Endpoints = append(out.Body.Endpoints, Summary{Name: name, State: rep.State, Verdict: rep.Verdict})
	}
	return out, nil
}

func (h *Handler) endpoint(ctx context.Context, in *EndpointInput) (*ReportOutput, error) {
	if err := endpoint.ValidName(in.Endpoint); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	rep, err := h.reporter.Inspect(ctx, in.Endpoint)
	if err != nil {
		return nil, toHumaError(err)
	}
	if rep.State == endpoint.StateUninstalled {
		return nil, huma.Error404NotFound("endpoint " + in.Endpoint + " is not installed")
	}
	return &ReportOutput{Body: rep}, nil
}

func toHumaError(err error) error {
	switch {
	case errors.Is(err, tunnelerr.NotFound):
		return huma.Error404NotFound("not found")
	case errors.Is(err, tunnelerr.PreconditionFailed):
		return huma.Error400BadRequest(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
