// Package routeservice is the service boundary: the HTTP API, the driver
// WebSocket sessions and the wiring between them and the business packages.
package routeservice

import (
	"context"
	"encoding/json"
	"errors"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/caretransit/routeopt/business/data/driverstate"
	"github.com/caretransit/routeopt/business/optimize"
	"github.com/caretransit/routeopt/business/reroute"
)

// Optimizer runs the optimization pipeline. *optimize.Pipeline satisfies it.
type Optimizer interface {
	Run(ctx context.Context, driverID string, driverLocation optimize.Location, stops []optimize.Stop, departure time.Time) (*optimize.OptimizeResponse, error)
}

// Dispatcher enqueues GPS task frames. *reroute.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(update reroute.GPSUpdate) error
}

// Subscriber provides channel subscriptions for the session push path.
// *nats.Conn satisfies it.
type Subscriber interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Config carries everything the service needs from main.
type Config struct {
	Log            *logger.Logger
	Pipeline       Optimizer
	Store          *driverstate.Store
	Dispatcher     Dispatcher
	Subscriber     Subscriber
	Redis          *redis.Client
	MapsConfigured bool
	MaxStops       int
}

// Service holds the handlers' shared state.
type Service struct {
	log            *logger.Logger
	pipeline       Optimizer
	store          *driverstate.Store
	dispatcher     Dispatcher
	subscriber     Subscriber
	redis          *redis.Client
	registry       *connectionRegistry
	mapsConfigured bool
	maxStops       int
}

// NewService creates the Service and its session registry.
func NewService(cfg Config) *Service {
	return &Service{
		log:            cfg.Log,
		pipeline:       cfg.Pipeline,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		subscriber:     cfg.Subscriber,
		redis:          cfg.Redis,
		registry:       newConnectionRegistry(),
		mapsConfigured: cfg.MapsConfigured,
		maxStops:       cfg.MaxStops,
	}
}

// Router builds the route table.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/optimize-route", s.handleOptimizeRoute).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/driver/{driver_id}", s.handleDriverSession)
	return r
}

// handleOptimizeRoute runs the planning path and seeds the driver's shift
// state on success.
func (s *Service) handleOptimizeRoute(w http.ResponseWriter, r *http.Request) {
	var req optimize.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if err := req.Validate(time.Now(), s.maxStops); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.Printf("optimize-route called: driver=%s stops=%d", req.DriverID, len(req.Stops))

	response, err := s.pipeline.Run(r.Context(), req.DriverID, req.DriverLocation, req.Stops, req.DepartureTime)
	if err != nil {
		var infeasible *optimize.InfeasibleError
		var provider *optimize.ProviderError
		switch {
		case errors.As(err, &infeasible):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &provider):
			s.log.Printf("provider unavailable: driver=%s error=%v", req.DriverID, err)
			s.writeError(w, http.StatusServiceUnavailable, "distance matrix provider unavailable, retry later")
		default:
			s.log.Printf("optimize-route failed: driver=%s error=%v", req.DriverID, err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.store.Save(r.Context(), &driverstate.DriverState{
		DriverID:                  req.DriverID,
		CurrentRoute:              response.OptimizedStops,
		RemainingDuration:         response.TotalDurationMinutes,
		OriginalRemainingDuration: response.TotalDurationMinutes,
		Status:                    driverstate.StatusActive,
	})

	s.writeJSON(w, http.StatusOK, response)
}

// handleHealth reports process health plus the reachability of the keyed
// store and whether the maps provider is configured.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	redisStatus := "unavailable"
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.redis.Ping(ctx).Err(); err == nil {
			redisStatus = "ok"
		}
		cancel()
	}
	mapsStatus := "missing"
	if s.mapsConfigured {
		mapsStatus = "configured"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"redis":    redisStatus,
		"maps_api": mapsStatus,
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Printf("error marshaling response: %v", err)
		http.Error(w, "error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Printf("error writing response: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// CreateServer creates the configured http.Server for the service.
func CreateServer(svc *Service, httpPort int) *http.Server {
	return &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      svc.Router(),
	}
}

// RunWebService starts the web service and terminates it on the shutdown
// signal.
func RunWebService(log *logger.Logger, wg *sync.WaitGroup, svc *Service, httpPort int, shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()
	srv := CreateServer(svc, httpPort)
	log.Printf("starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}
