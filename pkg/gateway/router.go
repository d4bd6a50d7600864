// Package gateway implements the public HTTP surface (spec §6.1):
// OpenAI chat-completions, Anthropic Messages, the model catalogue,
// and the Gemini pass-through, all routed through pkg/dispatch.
// Grounded on the teacher's chi-based transport layer.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/antigravity-proxy/gateway/internal/config"
	"github.com/antigravity-proxy/gateway/pkg/account"
	"github.com/antigravity-proxy/gateway/pkg/catalog"
	"github.com/antigravity-proxy/gateway/pkg/dispatch"
	"github.com/antigravity-proxy/gateway/pkg/sigcache"
)

// Gateway holds every collaborator the public HTTP handlers need.
type Gateway struct {
	Dispatcher *dispatch.Dispatcher
	Catalog    *catalog.Registry
	Signatures *sigcache.Cache
	Pool       *account.Pool
	Config     *config.Config
	Logger     *slog.Logger
}

// Router builds the chi router for the public surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Post("/v1/chat/completions", g.handleChatCompletions)
	r.Post("/v1/messages", g.handleMessages)
	r.Get("/v1/models", g.handleModels)
	r.Post("/v1beta/models/{model}:generateContent", g.handleGenerateContent)
	r.Post("/v1beta/models/{model}:streamGenerateContent", g.handleStreamGenerateContent)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleModels serves GET /v1/models from the static catalogue (spec
// §6.1, SPEC_FULL.md §5.11).
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.Catalog.List()
	out := modelsResponse{Object: "list", Data: make([]modelInfo, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelInfo{ID: m.PublicID, Object: "model", OwnedBy: "antigravity"})
	}
	writeJSON(w, http.StatusOK, out)
}
