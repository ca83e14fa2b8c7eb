// Package driverstate persists per-driver shift state in the keyed store.
//
// Each active shift is one JSON document at driver:{id}:state with a long
// TTL that resets on every save. GPS fixes additionally live at
// driver:{id}:last_gps with a short TTL of their own. Nothing stored here
// identifies a person; stop IDs are opaque caller-managed identifiers.
package driverstate

import (
	"context"
	"encoding/json"
	logger "log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/caretransit/routeopt/business/optimize"
)

// Shift status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusIdle      = "idle"
)

// gpsTTL is how long a GPS fix stays fresh without a new one.
const gpsTTL = 5 * time.Minute

// GPSFix is the driver's last reported position.
type GPSFix struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp string  `json:"timestamp"`
}

// DriverState is all mutable state for one active driver shift.
//
// The re-routing trigger reads ScheduleDelayMinutes, RemainingDuration,
// OriginalRemainingDuration, LastRerouteUnix and StopsChanged. A stop is
// either in CurrentRoute or in CompletedStopIDs, never both from the
// re-optimizer's point of view: it only ever reads CurrentRoute minus
// CompletedStopIDs.
type DriverState struct {
	DriverID                  string                   `json:"driver_id"`
	CurrentRoute              []optimize.OptimizedStop `json:"current_route"`
	LastGPS                   *GPSFix                  `json:"last_gps"`
	CompletedStopIDs          []string                 `json:"completed_stop_ids"`
	RemainingDuration         float64                  `json:"remaining_duration"`
	OriginalRemainingDuration float64                  `json:"original_remaining_duration"`
	ScheduleDelayMinutes      float64                  `json:"schedule_delay_minutes"`
	LastRerouteUnix           *float64                 `json:"last_reroute_timestamp"`
	StopsChanged              bool                     `json:"stops_changed"`
	Status                    string                   `json:"status"`
}

// Store reads and writes DriverState documents. Every operation degrades to
// a no-op when the store is unreachable; nothing here returns an error to
// its caller.
type Store struct {
	log      *logger.Logger
	client   *redis.Client
	stateTTL time.Duration
}

// NewStore creates a Store. stateTTL is the shift document lifetime,
// refreshed on every Save.
func NewStore(log *logger.Logger, client *redis.Client, stateTTL time.Duration) *Store {
	return &Store{
		log:      log,
		client:   client,
		stateTTL: stateTTL,
	}
}

func stateKey(driverID string) string {
	return "driver:" + driverID + ":state"
}

func gpsKey(driverID string) string {
	return "driver:" + driverID + ":last_gps"
}

// Save persists the full state document, resetting its TTL. The GPS fix, if
// present, goes to its own short-TTL key and is stripped from the document.
func (s *Store) Save(ctx context.Context, state *DriverState) {
	doc := *state
	gps := doc.LastGPS
	doc.LastGPS = nil

	data, err := json.Marshal(&doc)
	if err != nil {
		s.log.Printf("failed to marshal driver state: driver=%s error=%v", state.DriverID, err)
		return
	}
	if err := s.client.Set(ctx, stateKey(state.DriverID), data, s.stateTTL).Err(); err != nil {
		s.log.Printf("store unavailable, state not saved: driver=%s error=%v", state.DriverID, err)
		return
	}
	if gps != nil {
		s.writeGPS(ctx, state.DriverID, gps)
	}
}

// Get loads the state document, re-attaching the GPS fix from its own key
// (which may have expired independently). Returns nil when the document is
// absent or the store is unreachable.
func (s *Store) Get(ctx context.Context, driverID string) *DriverState {
	raw, err := s.client.Get(ctx, stateKey(driverID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		s.log.Printf("store unavailable, treating state as not found: driver=%s error=%v", driverID, err)
		return nil
	}
	var state DriverState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Printf("failed to decode driver state: driver=%s error=%v", driverID, err)
		return nil
	}

	state.LastGPS = nil
	if gpsRaw, err := s.client.Get(ctx, gpsKey(driverID)).Bytes(); err == nil {
		var gps GPSFix
		if err := json.Unmarshal(gpsRaw, &gps); err == nil {
			state.LastGPS = &gps
		}
	}
	return &state
}

// UpdateGPS writes the short-TTL GPS key unconditionally and, when the state
// document exists, patches the fix into it preserving the document's current
// TTL. GPS traffic must not extend the session's lifetime.
func (s *Store) UpdateGPS(ctx context.Context, driverID string, lat, lng float64, timestamp string) {
	gps := &GPSFix{Lat: lat, Lng: lng, Timestamp: timestamp}
	s.writeGPS(ctx, driverID, gps)

	raw, err := s.client.Get(ctx, stateKey(driverID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Printf("store unavailable, gps not patched into state: driver=%s error=%v", driverID, err)
		}
		return
	}
	var state DriverState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Printf("failed to decode driver state for gps patch: driver=%s error=%v", driverID, err)
		return
	}
	state.LastGPS = gps
	s.rewritePreservingTTL(ctx, driverID, &state)
}

// MarkCompleted appends stopID to the completed set idempotently. A missing
// state document is a logged no-op.
func (s *Store) MarkCompleted(ctx context.Context, driverID, stopID string) {
	raw, err := s.client.Get(ctx, stateKey(driverID)).Bytes()
	if err == redis.Nil {
		s.log.Printf("mark completed: no state found for driver=%s", driverID)
		return
	}
	if err != nil {
		s.log.Printf("store unavailable, completed stop not recorded: driver=%s error=%v", driverID, err)
		return
	}
	var state DriverState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Printf("failed to decode driver state: driver=%s error=%v", driverID, err)
		return
	}
	for _, id := range state.CompletedStopIDs {
		if id == stopID {
			return
		}
	}
	state.CompletedStopIDs = append(state.CompletedStopIDs, stopID)
	s.rewritePreservingTTL(ctx, driverID, &state)
	s.log.Printf("stop completed: driver=%s stop=%s", driverID, stopID)
}

// Clear deletes both keys for the driver, ending the shift.
func (s *Store) Clear(ctx context.Context, driverID string) {
	if err := s.client.Del(ctx, stateKey(driverID), gpsKey(driverID)).Err(); err != nil {
		s.log.Printf("store unavailable, state not cleared: driver=%s error=%v", driverID, err)
		return
	}
	s.log.Printf("driver state cleared: driver=%s", driverID)
}

func (s *Store) writeGPS(ctx context.Context, driverID string, gps *GPSFix) {
	data, err := json.Marshal(gps)
	if err != nil {
		s.log.Printf("failed to marshal gps fix: driver=%s error=%v", driverID, err)
		return
	}
	if err := s.client.Set(ctx, gpsKey(driverID), data, gpsTTL).Err(); err != nil {
		s.log.Printf("store unavailable, gps fix not saved: driver=%s error=%v", driverID, err)
	}
}

// rewritePreservingTTL re-saves the document with whatever TTL it currently
// has, so in-place patches never extend the session's lifetime.
func (s *Store) rewritePreservingTTL(ctx context.Context, driverID string, state *DriverState) {
	ttl, err := s.client.TTL(ctx, stateKey(driverID)).Result()
	if err != nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		s.log.Printf("failed to marshal driver state: driver=%s error=%v", driverID, err)
		return
	}
	if err := s.client.Set(ctx, stateKey(driverID), data, ttl).Err(); err != nil {
		s.log.Printf("store unavailable, state not rewritten: driver=%s error=%v", driverID, err)
	}
}
