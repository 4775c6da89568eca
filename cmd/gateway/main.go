// Command gateway serves the HTTP surface: GitHub webhook dispatch, the
// internal MCP endpoints, audit log listing, terminal replay and live attach,
// and the health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/shipsec/shipsec/config"
	"github.com/shipsec/shipsec/features/httpapi"
	ingestpulse "github.com/shipsec/shipsec/features/ingest/pulse"
	storemongo "github.com/shipsec/shipsec/features/store/mongo"
	"github.com/shipsec/shipsec/features/telemetry"
	"github.com/shipsec/shipsec/runtime/gateway"
	"github.com/shipsec/shipsec/runtime/mcp"
	"github.com/shipsec/shipsec/runtime/terminal"
	"github.com/shipsec/shipsec/runtime/webhook"
)

// temporalStarter dispatches webhook events as workflow runs. Temporal's
// workflow id uniqueness makes redelivered events idempotent: an already
// started id reports success.
type temporalStarter struct {
	client    client.Client
	taskQueue string
}

func (s *temporalStarter) StartWorkflow(ctx context.Context, workflowID string, event webhook.Event) error {
	_, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, event.Workflow, event)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return nil
	}
	return err
}

func main() {
	var (
		addrF = flag.String("http-addr", ":8080", "HTTP listen address")
		dbgF  = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	ctx := telemetry.NewLogContext(context.Background(), telemetry.Options{
		ServiceName: "shipsec-gateway",
		Debug:       *dbgF,
	})
	telemetry.SetupPropagation()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "configuration failed"})
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "invalid redis url"})
	}
	redisOpts.ClientName = cfg.IngestClientID("gateway")
	rdb := redis.NewClient(redisOpts)

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "mongo connect failed"})
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	auditStore, err := storemongo.NewAuditStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "audit store failed"})
	}
	terminalStore, err := storemongo.NewTerminalStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "terminal store failed"})
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "temporal dial failed"})
	}

	internalToken := cfg.InternalServiceToken
	sessionSecret := cfg.SessionTokenSecret
	if internalToken == "" {
		internalToken = config.DevInternalToken
		log.Warn(ctx, log.KV{K: "msg", V: "INTERNAL_SERVICE_TOKEN not set, using development token"})
	}
	if sessionSecret == "" {
		sessionSecret = internalToken
	}

	issuer, err := gateway.NewTokenIssuer(sessionSecret)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "token issuer failed"})
	}
	pool := mcp.NewPool(ctx, mcp.PoolOptions{})
	hub := terminal.NewHub(terminal.HubOptions{})
	gw, err := gateway.NewGateway(gateway.Options{
		Issuer:        issuer,
		Registry:      gateway.NewSessionRegistry(),
		Servers:       pool,
		InternalToken: internalToken,
		// Run termination drops the run's tool registrations; the hub
		// releases its terminal sessions in the same breath.
		OnRunEnd: hub.EndRun,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "gateway failed"})
	}

	webhookHandler, err := webhook.NewHandler(webhook.HandlerOptions{
		Secret:     cfg.GitHubWebhookSecret,
		Production: cfg.Production(),
		Starter:    &temporalStarter{client: temporalClient, taskQueue: cfg.Temporal.TaskQueue},
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "webhook handler failed"})
	}

	auditAPI, err := httpapi.NewAuditAPI(auditStore)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "audit api failed"})
	}

	// Live terminal viewing follows the terminal stream with a gateway-owned
	// consumer group so every chunk reaches the hub regardless of which
	// worker persisted it.
	terminalAPI, err := httpapi.NewTerminalAPI(terminalStore, hub)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "terminal api failed"})
	}
	feed, err := httpapi.NewHubFeed(hub)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "hub feed failed"})
	}
	pulseClient, err := ingestpulse.NewClient(ingestpulse.ClientOptions{Redis: rdb})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "pulse client failed"})
	}
	liveIngestor, err := ingestpulse.NewIngestor(ctx, ingestpulse.IngestorOptions{
		Client:  pulseClient,
		Topic:   cfg.IngestTopic(ingestpulse.KindTerminal),
		GroupID: "shipsec-terminal-live" + cfg.InstanceSuffix(),
		Store:   feed,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "terminal live feed failed"})
	}
	ingestCtx, stopIngest := context.WithCancel(ctx)
	var ingestWG sync.WaitGroup
	ingestWG.Add(1)
	go func() {
		defer ingestWG.Done()
		liveIngestor.Run(ingestCtx)
	}()

	mux := http.NewServeMux()
	webhookHandler.Routes(mux)
	gw.Routes(mux)
	auditAPI.Routes(mux)
	terminalAPI.Routes(mux)
	httpapi.HealthRoutes(mux,
		httpapi.PingerFunc("mongo", func(ctx context.Context) error {
			return mongoClient.Ping(ctx, readpref.Primary())
		}),
		httpapi.PingerFunc("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	)

	srv := &http.Server{
		Addr:    *addrF,
		Handler: telemetry.HTTPMiddleware(ctx, "gateway")(mux),
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", *addrF)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Shutdown order: drain HTTP, stop the live feed, close backends.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "http shutdown failed"}, log.KV{K: "err", V: err.Error()})
	}
	stopIngest()
	ingestWG.Wait()
	liveIngestor.Close(shutdownCtx)
	pool.Cleanup()
	temporalClient.Close()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "mongo disconnect failed"}, log.KV{K: "err", V: err.Error()})
	}
	if err := rdb.Close(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "redis close failed"}, log.KV{K: "err", V: err.Error()})
	}
	log.Printf(ctx, "exited")
}
