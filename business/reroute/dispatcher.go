package reroute

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	logger "log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// TaskSubjectPrefix is the work queue subject family; frames for bucket b
// travel on "process-gps-update.b".
const TaskSubjectPrefix = "process-gps-update"

const (
	// softTaskLimit is the processing time above which a task is logged
	// as slow.
	softTaskLimit = 15 * time.Second
	// hardTaskLimit is the context deadline on each task.
	hardTaskLimit = 30 * time.Second
)

// Dispatcher enqueues GPS task frames. Frames are hashed by driver id onto
// a fixed set of bucket subjects, each consumed by a single serial worker,
// so updates for one driver never interleave while distinct drivers run in
// parallel.
type Dispatcher struct {
	log       *logger.Logger
	publisher Publisher
	buckets   int
}

// NewDispatcher creates a Dispatcher over buckets subjects.
func NewDispatcher(log *logger.Logger, publisher Publisher, buckets int) *Dispatcher {
	if buckets < 1 {
		buckets = 1
	}
	return &Dispatcher{
		log:       log,
		publisher: publisher,
		buckets:   buckets,
	}
}

// Dispatch enqueues one GPS task frame.
func (d *Dispatcher) Dispatch(update GPSUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshalling gps update: %w", err)
	}
	subject := taskSubject(bucketFor(update.DriverID, d.buckets))
	if err := d.publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("dispatching gps update: %w", err)
	}
	return nil
}

func taskSubject(bucket int) string {
	return fmt.Sprintf("%s.%d", TaskSubjectPrefix, bucket)
}

// bucketFor hashes a driver id onto a bucket, pinning all of a driver's
// frames to one consumer.
func bucketFor(driverID string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return int(h.Sum32() % uint32(buckets))
}

// RunTaskWorkers subscribes one serial consumer goroutine per bucket and
// processes frames until shutdownSignal closes.
func RunTaskWorkers(log *logger.Logger, wg *sync.WaitGroup, nc *nats.Conn, worker *Worker, buckets int, shutdownSignal chan bool) error {
	if buckets < 1 {
		buckets = 1
	}
	for b := 0; b < buckets; b++ {
		ch := make(chan *nats.Msg, 64)
		subject := taskSubject(b)
		sub, err := nc.ChanSubscribe(subject, ch)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		wg.Add(1)
		go runBucketWorker(log, wg, worker, sub, ch, shutdownSignal)
	}
	log.Printf("started %d gps task workers", buckets)
	return nil
}

func runBucketWorker(log *logger.Logger, wg *sync.WaitGroup, worker *Worker, sub *nats.Subscription, ch chan *nats.Msg, shutdownSignal chan bool) {
	defer wg.Done()
	for {
		select {
		case msg := <-ch:
			var update GPSUpdate
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				log.Printf("error parsing gps task frame: %v, payload:%s", err, string(msg.Data))
				continue
			}
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), hardTaskLimit)
			result := worker.ProcessGPSUpdate(ctx, update)
			cancel()
			if elapsed := time.Since(start); elapsed > softTaskLimit {
				log.Printf("gps task over soft limit: driver=%s took=%s", update.DriverID, elapsed)
			}
			log.Printf("gps task done: driver=%s rerouted=%t reason=%s", update.DriverID, result.Rerouted, result.Reason)
		case <-shutdownSignal:
			if sub.IsValid() {
				if err := sub.Unsubscribe(); err != nil {
					log.Printf("error unsubscribing gps task worker: %v", err)
				}
			}
			return
		}
	}
}
