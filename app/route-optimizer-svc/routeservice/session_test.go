package routeservice

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/caretransit/routeopt/business/data/driverstate"
	"github.com/caretransit/routeopt/business/optimize"
	"github.com/caretransit/routeopt/business/reroute"
)

// syncDispatcher is a fakeDispatcher safe to poll while the session read
// loop is dispatching.
type syncDispatcher struct {
	mu      sync.Mutex
	updates []reroute.GPSUpdate
}

func (d *syncDispatcher) Dispatch(update reroute.GPSUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, update)
	return nil
}

func (d *syncDispatcher) snapshot() []reroute.GPSUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reroute.GPSUpdate(nil), d.updates...)
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("creating nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not come up")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connecting to nats: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type sessionFixture struct {
	server     *httptest.Server
	nc         *nats.Conn
	dispatcher *syncDispatcher
	store      *driverstate.Store
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	nc := startNATS(t)
	store := driverstate.NewStore(testLog, client, 12*time.Hour)
	dispatcher := &syncDispatcher{}

	svc := NewService(Config{
		Log:            testLog,
		Pipeline:       &fakeOptimizer{response: sampleResponse()},
		Store:          store,
		Dispatcher:     dispatcher,
		Subscriber:     nc,
		Redis:          client,
		MapsConfigured: true,
		MaxStops:       25,
	})
	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)
	return &sessionFixture{server: server, nc: nc, dispatcher: dispatcher, store: store}
}

func (f *sessionFixture) dial(t *testing.T, driverID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/driver/" + driverID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	return conn
}

func TestSessionDispatchesGPSFrames(t *testing.T) {
	is := is.New(t)
	fixture := newSessionFixture(t)

	conn := fixture.dial(t, "d1")
	defer conn.Close()

	frame := map[string]interface{}{
		"type":              "gps_update",
		"lat":               37.78,
		"lng":               -122.42,
		"timestamp":         "2026-08-26T10:00:00Z",
		"completed_stop_id": "s1",
	}
	is.NoErr(conn.WriteJSON(frame))

	deadline := time.Now().Add(3 * time.Second)
	var updates []reroute.GPSUpdate
	for time.Now().Before(deadline) {
		if updates = fixture.dispatcher.snapshot(); len(updates) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(updates) == 0 {
		t.Fatal("gps frame never reached the dispatcher")
	}
	is.Equal(updates[0].DriverID, "d1")
	is.Equal(updates[0].Lat, 37.78)
	is.Equal(updates[0].Lng, -122.42)
	is.Equal(updates[0].CompletedStopID, "s1")
}

func TestSessionIgnoresBadFrames(t *testing.T) {
	is := is.New(t)
	fixture := newSessionFixture(t)

	conn := fixture.dial(t, "d1")
	defer conn.Close()

	// Neither a missing position nor an unknown type may kill the session.
	is.NoErr(conn.WriteJSON(map[string]interface{}{"type": "gps_update", "lat": 37.78}))
	is.NoErr(conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	is.NoErr(conn.WriteJSON(map[string]interface{}{
		"type": "gps_update", "lat": 37.78, "lng": -122.42,
	}))

	deadline := time.Now().Add(3 * time.Second)
	var updates []reroute.GPSUpdate
	for time.Now().Before(deadline) {
		if updates = fixture.dispatcher.snapshot(); len(updates) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly the valid frame to dispatch, got %d", len(updates))
	}
	// Omitted timestamp is filled server-side.
	is.True(updates[0].Timestamp != "")
}

func TestSessionPushesRouteUpdates(t *testing.T) {
	is := is.New(t)
	fixture := newSessionFixture(t)

	conn := fixture.dial(t, "d1")
	defer conn.Close()

	payload, err := json.Marshal(reroute.RouteUpdate{
		Type:   "route_updated",
		Reason: reroute.ReasonTrafficDelay,
		OptimizedStops: []optimize.OptimizedStop{
			{StopID: "s2", Sequence: 1, ArrivalTime: "10:15"},
		},
		TotalDurationMinutes: 25,
		GoogleMapsURL:        "https://www.google.com/maps/dir/37.78,-122.42/37.79,-122.43",
	})
	is.NoErr(err)

	// The listener subscribes asynchronously after the upgrade, so publish
	// until the frame comes through.
	stopPublishing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			_ = fixture.nc.Publish(reroute.RerouteChannel("d1"), payload)
			_ = fixture.nc.Flush()
			select {
			case <-stopPublishing:
				return
			case <-ticker.C:
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	close(stopPublishing)
	if err != nil {
		t.Fatalf("route update never reached the session: %v", err)
	}

	var pushed reroute.RouteUpdate
	is.NoErr(json.Unmarshal(data, &pushed))
	is.Equal(pushed.Type, "route_updated")
	is.Equal(pushed.Reason, reroute.ReasonTrafficDelay)
	is.Equal(len(pushed.OptimizedStops), 1)
	is.Equal(pushed.OptimizedStops[0].StopID, "s2")
}

func TestSessionDisconnectClearsState(t *testing.T) {
	is := is.New(t)
	fixture := newSessionFixture(t)
	ctx := context.Background()

	fixture.store.Save(ctx, &driverstate.DriverState{
		DriverID: "d1",
		Status:   driverstate.StatusActive,
	})

	conn := fixture.dial(t, "d1")
	is.True(fixture.store.Get(ctx, "d1") != nil)

	is.NoErr(conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fixture.store.Get(ctx, "d1") == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("driver state not cleared after disconnect")
}
