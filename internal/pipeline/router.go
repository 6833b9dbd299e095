package pipeline

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the pipeline routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full fasthttp handler: pipeline routes, health probes,
// optional management routes, and the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/text/completion", g.handleCompletion)
	r.POST("/v1/audio/speech", g.handleAudio)
	r.POST("/v1/images/generate", g.handleImage)
	r.POST("/v1/embeddings", g.handleEmbedding)
	r.POST("/v1/vision/analyze", g.handleVision)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for mgmt to start without management routes.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleCompletion(ctx *fasthttp.RequestCtx) {
	g.handle(ctx, providers.OpCompletion)
}

func (g *Gateway) handleAudio(ctx *fasthttp.RequestCtx) {
	g.handle(ctx, providers.OpAudio)
}

func (g *Gateway) handleImage(ctx *fasthttp.RequestCtx) {
	g.handle(ctx, providers.OpImage)
}

func (g *Gateway) handleEmbedding(ctx *fasthttp.RequestCtx) {
	g.handle(ctx, providers.OpEmbedding)
}

func (g *Gateway) handleVision(ctx *fasthttp.RequestCtx) {
	g.handle(ctx, providers.OpVision)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
