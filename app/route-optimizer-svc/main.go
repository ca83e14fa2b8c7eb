package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/nats-io/nats.go"
	"googlemaps.github.io/maps"

	"github.com/caretransit/routeopt/app/route-optimizer-svc/routeservice"
	"github.com/caretransit/routeopt/business/data/driverstate"
	"github.com/caretransit/routeopt/business/optimize"
	"github.com/caretransit/routeopt/business/reroute"
	"github.com/caretransit/routeopt/foundation/redisconn"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "ROUTEOPT : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		Web  struct {
			HTTPPort int `conf:"default:8080"`
		}
		Maps struct {
			APIKey string `conf:"required,noprint"`
		}
		Redis struct {
			Host                  string `conf:"default:localhost"`
			Port                  int    `conf:"default:6379"`
			MatrixCacheTTLSeconds int    `conf:"default:1800"`
			DriverStateTTLSeconds int    `conf:"default:43200"`
		}
		NATS struct {
			URL           string `conf:"default:nats://127.0.0.1:4222"`
			WorkerBuckets int    `conf:"default:4"`
		}
		Solver struct {
			MaxOptimizationSeconds int `conf:"default:10"`
			MaxStopsPerRoute       int `conf:"default:25"`
		}
		Reroute struct {
			DelayThresholdMinutes     float64 `conf:"default:5"`
			TrafficIncreaseRatio      float64 `conf:"default:1.20"`
			MinRerouteIntervalSeconds int     `conf:"default:300"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "NEMT route optimization service"
	const prefix = "ROUTEOPT"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Keyed store, queue and provider clients

	redisClient := redisconn.Open(redisconn.Config{
		Host: cfg.Redis.Host,
		Port: cfg.Redis.Port,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("main: error closing redis client: %v", err)
		}
	}()
	if err := redisconn.Ping(redisClient); err != nil {
		// State and cache degrade to no-ops until the store comes back.
		log.Printf("main: redis unavailable at startup, continuing degraded: %v", err)
	}

	natsConn, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer natsConn.Close()

	mapsClient, err := maps.NewClient(maps.WithAPIKey(cfg.Maps.APIKey))
	if err != nil {
		return fmt.Errorf("creating maps client: %w", err)
	}

	// =========================================================================
	// Business wiring

	matrixSource := optimize.NewMatrixSource(log, mapsClient, redisClient,
		time.Duration(cfg.Redis.MatrixCacheTTLSeconds)*time.Second)

	solverCfg := optimize.DefaultSolverConfig()
	solverCfg.TimeLimit = time.Duration(cfg.Solver.MaxOptimizationSeconds) * time.Second

	pipeline := optimize.NewPipeline(log, matrixSource, solverCfg)
	store := driverstate.NewStore(log, redisClient,
		time.Duration(cfg.Redis.DriverStateTTLSeconds)*time.Second)

	triggerCfg := reroute.TriggerConfig{
		DelayThresholdMinutes: cfg.Reroute.DelayThresholdMinutes,
		TrafficIncreaseRatio:  cfg.Reroute.TrafficIncreaseRatio,
		MinRerouteInterval:    time.Duration(cfg.Reroute.MinRerouteIntervalSeconds) * time.Second,
	}
	worker := reroute.NewWorker(log, store, pipeline, natsConn, triggerCfg)
	dispatcher := reroute.NewDispatcher(log, natsConn, cfg.NATS.WorkerBuckets)

	// =========================================================================
	// Start workers and web service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	shutdownSignal := make(chan bool)
	wg := sync.WaitGroup{}

	if err := reroute.RunTaskWorkers(log, &wg, natsConn, worker, cfg.NATS.WorkerBuckets, shutdownSignal); err != nil {
		return fmt.Errorf("starting gps task workers: %w", err)
	}

	svc := routeservice.NewService(routeservice.Config{
		Log:            log,
		Pipeline:       pipeline,
		Store:          store,
		Dispatcher:     dispatcher,
		Subscriber:     natsConn,
		Redis:          redisClient,
		MapsConfigured: cfg.Maps.APIKey != "",
		MaxStops:       cfg.Solver.MaxStopsPerRoute,
	})
	go routeservice.RunWebService(log, &wg, svc, cfg.Web.HTTPPort, shutdownSignal)

	<-shutdown
	log.Printf("main: shutdown signal received")
	close(shutdownSignal)
	wg.Wait()
	return nil
}
