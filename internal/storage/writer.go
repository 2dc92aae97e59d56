package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	auditMaxRetries   = 3
	auditWriteTimeout = 5 * time.Second
)

// AuditWriter keeps audit persistence off the request path. Log enqueues
// into a bounded buffer and returns immediately; a background goroutine
// drains the buffer with retries. When the buffer is full the entry is
// dropped, never blocking an execution on a slow database.
type AuditWriter struct {
	db    *DB
	queue chan *Execution
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:    db,
		queue: make(chan *Execution, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.queue <- exec:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and drains whatever is still buffered, giving up
// after the timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.queue:
			w.persist(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.queue:
					w.persist(exec)
				default:
					return
				}
			}
		}
	}
}

// persist writes one record, retrying transient failures with exponential
// backoff (100ms, 200ms, 400ms).
func (w *AuditWriter) persist(exec *Execution) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := w.db.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}
		if attempt == auditMaxRetries {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("audit write failed permanently after retries")
			return
		}

		backoff := (100 * time.Millisecond) << attempt
		log.Warn().
			Err(err).
			Str("exec_id", exec.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("audit write failed, retrying")
		time.Sleep(backoff)
	}
}
