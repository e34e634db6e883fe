/*
This file is part of btrsync.

Btrsync is free software: you can redistribute it and/or modify it under the terms of the
GNU Lesser General Public License as published by the Free Software Foundation, either
version 3 of the License, or (at your option) any later version.

Btrsync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with btrsync.
If not, see <https://www.gnu.org/licenses/>.
*/

package btrsync

import (
	"io"
	"log"
	"sync"
	"time"
)

// listFunc runs one root's List call and reports its outcome. It takes no
// arguments because each caller closes over the root and the slice slot it
// writes its result into.
type listFunc func() error

// queueOption configures a listQueue.
type queueOption func(*queueConfig)

type queueConfig struct {
	logger      *log.Logger
	verbosity   int
	concurrency int
}

func (c queueConfig) logVerbose(v int, format string, args ...any) {
	if c.logger != nil && c.verbosity >= v {
		c.logger.Printf(format, args...)
	}
}

// withConcurrency caps how many listFuncs run at once. A value <= 0 means
// unbounded.
func withConcurrency(n int) queueOption {
	return func(c *queueConfig) { c.concurrency = n }
}

// withQueueLogger routes the queue's own diagnostics through logger, gated
// by verbosity.
func withQueueLogger(logger *log.Logger, verbosity int) queueOption {
	return func(c *queueConfig) {
		c.logger = logger
		c.verbosity = verbosity
	}
}

// listQueue fans listFuncs for multiple configured roots out across a
// bounded number of goroutines and reports the first error encountered.
// This is reserved for the planning-time List() fan-out described for
// multi-root configurations; Flow execution itself always stays
// sequential, one plan at a time.
type listQueue struct {
	cfg     queueConfig
	pending []listFunc

	mu      sync.Mutex
	running int

	wg   sync.WaitGroup
	errs chan error
	once sync.Once
}

// newListQueue returns a listQueue ready to accept Push calls.
func newListQueue(opts ...queueOption) *listQueue {
	q := &listQueue{
		cfg: queueConfig{
			concurrency: 1,
			logger:      log.New(io.Discard, "", 0),
		},
	}
	for _, opt := range opts {
		opt(&q.cfg)
	}
	q.errs = make(chan error, 1)
	return q
}

// Push enqueues f to run once a slot is free.
func (q *listQueue) Push(f listFunc) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
}

// Wait runs every pushed listFunc to completion (bounded by the queue's
// concurrency) and returns the first error encountered, or nil if all
// succeeded. The queue is spent after Wait returns.
func (q *listQueue) Wait() error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 && q.running == 0 {
			q.mu.Unlock()
			break
		}
		if q.cfg.concurrency > 0 && q.running >= q.cfg.concurrency {
			q.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		f := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		q.mu.Unlock()

		q.wg.Add(1)
		go func(f listFunc) {
			defer q.wg.Done()
			defer func() {
				q.mu.Lock()
				q.running--
				q.mu.Unlock()
			}()
			if err := f(); err != nil {
				q.cfg.logVerbose(1, "list queue: error running list call: %v", err)
				q.once.Do(func() { q.errs <- err })
			}
		}(f)
	}
	q.wg.Wait()
	select {
	case err := <-q.errs:
		return err
	default:
		return nil
	}
}
