package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/handlers"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/middleware"
	"github.com/mediaforge/forge-api/pipeline"
)

func ListenAndServe(ctx context.Context, cli *config.Cli, engine *pipeline.Coordinator) error {
	router := NewForgeAPIRouter(cli, engine)
	server := http.Server{Addr: cli.WSAddr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Forge API!",
		"version", config.Version,
		"host", cli.WSAddr,
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

func NewForgeAPIRouter(cli *config.Cli, engine *pipeline.Coordinator) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(log.NewRequestLogger())

	forgeApiHandlers := &handlers.ForgeAPIHandlersCollection{Cli: cli, Engine: engine}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(forgeApiHandlers.Ok()))

	// Job sessions. Everything about a job, from submission to artifact
	// delivery, happens inside the socket.
	router.GET("/ws", withLogging(forgeApiHandlers.WebSocket()))

	return router
}
