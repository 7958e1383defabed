package har

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/Femure/tls-interceptor-proxy/internal/logger"
)

const queueDepth = 100

// Sink is a single-consumer persistence queue for HAR entries: producers
// across every tunnel submit entries non-blockingly up to queueDepth
// in-flight, and one goroutine rewrites the whole accumulated document to
// disk on each arrival.
type Sink struct {
	entries   chan Entry
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	path      string
	log       *logger.Logger

	mu  sync.Mutex
	doc Log
}

// NewSink creates a Sink writing to path and starts its consumer goroutine.
func NewSink(path string, log *logger.Logger) *Sink {
	s := &Sink{
		entries: make(chan Entry, queueDepth),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		path:    path,
		log:     log,
		doc: Log{Log: Root{
			Version: "1.2",
			Creator: Creator{Name: "SentineLLM", Version: "0.5"},
			Entries: []Entry{},
		}},
	}
	go s.run()
	return s
}

// Submit enqueues an entry for persistence. It blocks if the queue is at
// capacity, applying backpressure to the caller rather than dropping log
// data.
func (s *Sink) Submit(e Entry) {
	select {
	case s.entries <- e:
	case <-s.closing:
	}
}

// Close stops the consumer goroutine after it has persisted any entries
// still queued. Safe to call more than once; blocks until the consumer
// has exited.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case e := <-s.entries:
			s.mu.Lock()
			s.doc.Log.Entries = append(s.doc.Log.Entries, e)
			s.mu.Unlock()
			if err := s.persist(); err != nil {
				s.log.Errorf("persist", "write %s: %v", s.path, err)
			}
		case <-s.closing:
			// Entries already queued by Submit are still persisted, so
			// Close never drops accepted log data.
			drained := false
			for len(s.entries) > 0 {
				e := <-s.entries
				s.mu.Lock()
				s.doc.Log.Entries = append(s.doc.Log.Entries, e)
				s.mu.Unlock()
				drained = true
			}
			if drained {
				if err := s.persist(); err != nil {
					s.log.Errorf("persist", "write %s: %v", s.path, err)
				}
			}
			return
		}
	}
}

func (s *Sink) persist() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644) //nolint:gosec // HAR log, not sensitive-permission material
}
