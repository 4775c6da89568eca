// Command worker runs the Temporal worker: node execution activities, tool
// discovery workflows, and the telemetry ingestors that persist run output.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/log"

	"github.com/shipsec/shipsec/components"
	"github.com/shipsec/shipsec/config"
	ingestpulse "github.com/shipsec/shipsec/features/ingest/pulse"
	storemongo "github.com/shipsec/shipsec/features/store/mongo"
	"github.com/shipsec/shipsec/features/telemetry"
	"github.com/shipsec/shipsec/runtime/activities"
	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/discovery"
	"github.com/shipsec/shipsec/runtime/docker"
	"github.com/shipsec/shipsec/runtime/mcp"
	"github.com/shipsec/shipsec/runtime/runner"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	ctx := telemetry.NewLogContext(context.Background(), telemetry.Options{
		ServiceName: "shipsec-worker",
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
	redisOpts.ClientName = cfg.IngestClientID("worker")
	rdb := redis.NewClient(redisOpts)

	pulseClient, err := ingestpulse.NewClient(ingestpulse.ClientOptions{Redis: rdb})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "pulse client failed"})
	}

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "mongo connect failed"})
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	logStore, err := storemongo.NewLogStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "log store failed"})
	}
	eventStore, err := storemongo.NewEventStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "event store failed"})
	}
	nodeIOStore, err := storemongo.NewNodeIOStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "node io store failed"})
	}
	terminalStore, err := storemongo.NewTerminalStore(ctx, db)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "terminal store failed"})
	}
	discoveryCache, err := storemongo.NewDiscoveryCache(ctx, db, storemongo.DefaultDiscoveryTTL)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "discovery cache failed"})
	}

	sink, err := ingestpulse.NewCollectorSink(pulseClient, ingestpulse.TopicsFromConfig(cfg))
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "collector sink failed"})
	}

	executor, err := docker.NewExecutor(docker.ExecutorOptions{SkipCleanup: cfg.SkipContainerCleanup})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "docker executor failed"})
	}
	dispatcher := runner.NewDispatcher(runner.DispatcherOptions{
		Containers:   executor,
		RefuseRemote: cfg.Production(),
	})

	registry := component.NewRegistry()
	if err := components.RegisterAll(registry); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "component registration failed"})
	}
	registry.Freeze()

	var secrets activities.SecretStore
	if len(cfg.SecretStoreMasterKey) > 0 {
		source, err := storemongo.NewSecretSource(ctx, db)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "secret source failed"})
		}
		secrets, err = activities.NewAESSecretStore(source, cfg.SecretStoreMasterKey)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "secret store failed"})
		}
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "no secret master key configured, credential components will fail"})
	}

	nodeActivity, err := activities.NewNodeActivity(activities.NodeActivityOptions{
		Registry:   registry,
		Dispatcher: dispatcher,
		Secrets:    secrets,
		Telemetry:  sink,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "node activity failed"})
	}

	pool := mcp.NewPool(ctx, mcp.PoolOptions{})
	discoveryActivities, err := discovery.NewActivities(pool, discoveryCache)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "discovery activities failed"})
	}

	internalToken := cfg.InternalServiceToken
	if internalToken == "" {
		internalToken = config.DevInternalToken
		log.Warn(ctx, log.KV{K: "msg", V: "INTERNAL_SERVICE_TOKEN not set, using development token"})
	}
	finalizer, err := activities.NewRunFinalizer(activities.RunFinalizerOptions{
		GatewayURL:    cfg.Gateway.InternalURL,
		InternalToken: internalToken,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "run finalizer failed"})
	}

	tracing, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "temporal tracing interceptor failed"})
	}
	temporalClient, err := client.Dial(client.Options{
		HostPort:     cfg.Temporal.Address,
		Namespace:    cfg.Temporal.Namespace,
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "temporal dial failed"})
	}

	w := worker.New(temporalClient, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterActivityWithOptions(nodeActivity.Execute, activity.RegisterOptions{Name: activities.ActivityExecuteNode})
	w.RegisterActivityWithOptions(finalizer.Finalize, activity.RegisterOptions{Name: activities.ActivityFinalizeRun})
	w.RegisterActivityWithOptions(discoveryActivities.DiscoverTools, activity.RegisterOptions{Name: discovery.ActivityDiscoverTools})
	w.RegisterActivityWithOptions(discoveryActivities.ReadCache, activity.RegisterOptions{Name: discovery.ActivityReadCache})
	w.RegisterActivityWithOptions(discoveryActivities.WriteCache, activity.RegisterOptions{Name: discovery.ActivityWriteCache})
	w.RegisterWorkflow(discovery.Workflow)
	w.RegisterWorkflow(discovery.GroupWorkflow)

	// One consumer group per record kind; workers sharing a group split the
	// stream between them.
	ingestCtx, stopIngest := context.WithCancel(ctx)
	var (
		ingestWG  sync.WaitGroup
		ingestors []*ingestpulse.Ingestor
	)
	for _, spec := range []struct {
		kind  string
		store ingestpulse.Store
	}{
		{ingestpulse.KindLog, logStore},
		{ingestpulse.KindEvent, eventStore},
		{ingestpulse.KindNodeIO, nodeIOStore},
		{ingestpulse.KindTerminal, terminalStore},
	} {
		ing, err := ingestpulse.NewIngestor(ctx, ingestpulse.IngestorOptions{
			Client:  pulseClient,
			Topic:   cfg.IngestTopic(spec.kind),
			GroupID: cfg.IngestGroupID(spec.kind),
			Store:   spec.store,
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "ingestor failed"}, log.KV{K: "kind", V: spec.kind})
		}
		ingestors = append(ingestors, ing)
		ingestWG.Add(1)
		go func() {
			defer ingestWG.Done()
			ing.Run(ingestCtx)
		}()
		log.Printf(ctx, "ingestor consuming %q as group %q", cfg.IngestTopic(spec.kind), cfg.IngestGroupID(spec.kind))
	}

	if err := w.Start(); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "worker start failed"})
	}
	log.Printf(ctx, "worker polling task queue %q at %s", cfg.Temporal.TaskQueue, cfg.Temporal.Address)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Shutdown order: stop taking work, drain ingestors, then close backends.
	w.Stop()
	temporalClient.Close()
	stopIngest()
	ingestWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.ShutdownTimeout)
	defer cancel()
	for _, ing := range ingestors {
		ing.Close(shutdownCtx)
	}
	pool.Cleanup()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "mongo disconnect failed"}, log.KV{K: "err", V: err.Error()})
	}
	if err := rdb.Close(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "redis close failed"}, log.KV{K: "err", V: err.Error()})
	}
	log.Printf(ctx, "exited")
}
