package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/handlers"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/middleware"
	"github.com/mediaforge/forge-api/pipeline"
)

// ListenAndServeInternal serves the privileged endpoints: health for
// orchestration and the Prometheus scrape target. Bound to localhost by
// default and never exposed to clients.
func ListenAndServeInternal(ctx context.Context, cli *config.Cli, engine *pipeline.Coordinator) error {
	router := NewForgeAPIRouterInternal(cli, engine)
	server := http.Server{Addr: cli.InternalAddr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Forge API!",
		"version", config.Version,
		"host", cli.InternalAddr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewForgeAPIRouterInternal(cli *config.Cli, engine *pipeline.Coordinator) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(log.NewRequestLogger())

	forgeApiHandlers := &handlers.ForgeAPIHandlersCollection{Cli: cli, Engine: engine}

	router.GET("/health", withLogging(forgeApiHandlers.Healthcheck()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	return router
}
