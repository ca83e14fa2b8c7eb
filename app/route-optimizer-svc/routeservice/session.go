package routeservice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/caretransit/routeopt/business/reroute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// sessionHandle wraps a driver connection. The mutex serializes writes;
// gorilla/websocket supports at most one concurrent writer.
type sessionHandle struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (h *sessionHandle) writeMessage(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// connectionRegistry is the in-process map of driver id to live session.
// It is read by the subscriber push path while the HTTP path registers and
// removes sessions, so all access goes through the lock.
type connectionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionHandle
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{sessions: make(map[string]*sessionHandle)}
}

func (r *connectionRegistry) register(driverID string, handle *sessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = handle
}

func (r *connectionRegistry) unregister(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *connectionRegistry) get(driverID string) *sessionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[driverID]
}

func (r *connectionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// gpsFrame is the client-to-server session message. Lat and Lng are
// pointers so a missing field is distinguishable from zero.
type gpsFrame struct {
	Type            string   `json:"type"`
	Lat             *float64 `json:"lat"`
	Lng             *float64 `json:"lng"`
	Timestamp       string   `json:"timestamp"`
	CompletedStopID string   `json:"completed_stop_id"`
}

// handleDriverSession runs one driver session: register, spawn the reroute
// listener, read frames until the channel closes, then tear down in order
// (listener first, then registry removal, then state clear).
func (s *Service) handleDriverSession(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("websocket upgrade failed: driver=%s error=%v", driverID, err)
		return
	}

	handle := &sessionHandle{conn: conn}
	s.registry.register(driverID, handle)
	s.log.Printf("websocket connected: driver=%s active=%d", driverID, s.registry.count())

	done := make(chan bool)
	listenerWG := sync.WaitGroup{}
	listenerWG.Add(1)
	go s.runRerouteListener(&listenerWG, driverID, handle, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Printf("websocket closed cleanly: driver=%s", driverID)
			} else {
				s.log.Printf("websocket read ended: driver=%s error=%v", driverID, err)
			}
			break
		}
		s.handleSessionFrame(driverID, data)
	}

	close(done)
	listenerWG.Wait()
	s.registry.unregister(driverID)
	s.store.Clear(context.Background(), driverID)
	_ = conn.Close()
	s.log.Printf("websocket disconnected: driver=%s active=%d", driverID, s.registry.count())
}

// handleSessionFrame validates one inbound frame and enqueues the GPS task.
// The session loop never waits on optimization.
func (s *Service) handleSessionFrame(driverID string, data []byte) {
	var frame gpsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Printf("error parsing session frame: driver=%s error=%v", driverID, err)
		return
	}
	if frame.Type != "gps_update" {
		s.log.Printf("unhandled message type=%q driver=%s", frame.Type, driverID)
		return
	}
	if frame.Lat == nil || frame.Lng == nil {
		s.log.Printf("gps_update missing lat/lng: driver=%s", driverID)
		return
	}
	timestamp := frame.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	update := reroute.GPSUpdate{
		DriverID:        driverID,
		Lat:             *frame.Lat,
		Lng:             *frame.Lng,
		Timestamp:       timestamp,
		CompletedStopID: frame.CompletedStopID,
	}
	if err := s.dispatcher.Dispatch(update); err != nil {
		s.log.Printf("failed to dispatch gps update: driver=%s error=%v", driverID, err)
	}
}

// runRerouteListener subscribes to the driver's reroute channel and
// forwards route_updated payloads into the session until done closes, then
// unsubscribes.
func (s *Service) runRerouteListener(wg *sync.WaitGroup, driverID string, handle *sessionHandle, done chan bool) {
	defer wg.Done()

	ch := make(chan *nats.Msg, 16)
	channel := reroute.RerouteChannel(driverID)
	sub, err := s.subscriber.ChanSubscribe(channel, ch)
	if err != nil {
		s.log.Printf("unable to subscribe to %s: %v", channel, err)
		return
	}
	s.log.Printf("listening on %s", channel)

	for {
		select {
		case msg := <-ch:
			var payload reroute.RouteUpdate
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				s.log.Printf("dropping invalid payload on %s: %v", channel, err)
				continue
			}
			if err := handle.writeMessage(msg.Data); err != nil {
				s.log.Printf("failed to push route update: driver=%s error=%v", driverID, err)
			}
		case <-done:
			if sub.IsValid() {
				if err := sub.Unsubscribe(); err != nil {
					s.log.Printf("error unsubscribing from %s: %v", channel, err)
				}
			}
			return
		}
	}
}
