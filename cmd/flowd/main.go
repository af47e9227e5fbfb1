package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/flow/actions"
	"goa.design/flow/api"
	"goa.design/flow/engine"
	"goa.design/flow/expr"
	"goa.design/flow/scheduler"
	"goa.design/flow/spec"
	"goa.design/flow/store"
	memorystore "goa.design/flow/store/memory"
	mongostore "goa.design/flow/store/mongo"
	"goa.design/flow/stream"
	pulsesink "goa.design/flow/stream/pulse"
	"goa.design/flow/telemetry"
)

func main() {
	var (
		httpAddrF     = flag.String("http-addr", ":8989", "HTTP listen address")
		mongoURIF     = flag.String("mongo-uri", "", "MongoDB connection URI (empty runs the in-memory store)")
		mongoDBF      = flag.String("mongo-db", "flow", "MongoDB database name")
		redisAddrF    = flag.String("redis-addr", "", "Redis address for the event stream sink (empty disables)")
		pollIntervalF = flag.Duration("poll-interval", time.Second, "Scheduler poll cadence")
		leaseF        = flag.Duration("lease", time.Minute, "Scheduled call claim lease")
		dbgF          = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Storage backend.
	var (
		st      store.Store
		checker health.Checker
	)
	if *mongoURIF != "" {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB")
		}
		defer func() { _ = client.Disconnect(ctx) }()
		ms, err := mongostore.New(ctx, mongostore.Options{Client: client, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "initialize Mongo store")
		}
		st = ms
		checker = health.NewChecker(ms)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "running with in-memory store; state will not survive restarts"})
		st = memorystore.New()
		checker = health.NewChecker()
	}

	// Event sink.
	var sink stream.Sink = stream.NoopSink{}
	if *redisAddrF != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
		defer func() { _ = rdb.Close() }()
		ps, err := pulsesink.New(pulsesink.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "initialize Pulse sink")
		}
		sink = ps
	}

	// Engine wiring: definition registry, expression evaluator, action
	// service, scheduler registries, local runner.
	definitions := spec.NewRegistry()
	evaluator := expr.NewJQ()
	actionSvc, err := actions.NewService(actions.Options{Store: st, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "initialize action service")
	}
	if err := actionSvc.SeedSystemActions(ctx); err != nil {
		log.Fatalf(ctx, err, "seed system actions")
	}

	targets := scheduler.NewTargetRegistry()
	serializers := scheduler.NewSerializerRegistry()
	sched, err := scheduler.New(scheduler.Options{
		Store:       st,
		Targets:     targets,
		Serializers: serializers,
		Interval:    *pollIntervalF,
		Lease:       *leaseF,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize scheduler")
	}

	runner := &engine.LocalRunner{Actions: actionSvc, Store: st, Logger: logger}
	eng, err := engine.New(engine.Options{
		Store:       st,
		Definitions: definitions,
		Evaluator:   evaluator,
		Actions:     actionSvc,
		Runner:      runner,
		Scheduler:   sched,
		Sink:        sink,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize engine")
	}
	engine.RegisterClient(engine.DefaultClientName, eng)
	engine.RegisterTargets(targets, serializers, engine.DefaultClientName)

	// HTTP surface.
	svc, err := api.New(api.Options{
		Engine:      eng,
		Definitions: definitions,
		Actions:     actionSvc,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize API")
	}
	mux := http.NewServeMux()
	mux.Handle("/v2/", svc.Handler())
	mux.Handle("/healthz", health.Handler(checker))
	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	server := &http.Server{
		Addr:              *httpAddrF,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "HTTP server listening"}, log.KV{K: "addr", V: *httpAddrF})
		errc <- server.ListenAndServe()
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "scheduler poll loop started"}, log.KV{K: "interval", V: pollIntervalF.String()})
		errc <- sched.Run(ctx)
	}()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		errc <- nil
	}()

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		log.Errorf(ctx, err, "service failed")
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = sink.Close(shutdownCtx)
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
