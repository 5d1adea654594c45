/*
Copyright © 2024 the WA+ authors.
This file is part of WA+.

WA+ is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WA+ is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WA+.  If not, see <http://www.gnu.org/licenses/>.
*/

package waplus

import (
	"context"
	"sync"
	"sync/atomic"
)

// ProgressFunc receives advisory progress reports. It must not block for
// long; reports may be dropped.
type ProgressFunc func(current, total int, msg string)

// progressBuffer is the number of progress reports that can be queued
// before new reports are dropped.
const progressBuffer = 64

// Job is a unit of work started by a Runner.
type Job struct {
	Name string
	Run  func(ctx context.Context, ctl Control) error
}

// HydroloopJob returns a job that runs the hydroloop pipeline on s.
func HydroloopJob(s *BasinState) Job {
	return Job{
		Name: "hydroloop " + s.Meta.Name,
		Run: func(ctx context.Context, ctl Control) error {
			return NewPipeline().Run(ctx, s, ctl)
		},
	}
}

// SMBalanceJob returns a job that runs the soil moisture balance.
// res receives the result when the job succeeds.
func SMBalanceJob(cfg SMBalanceConfig, m *Manifest, res **SMBalanceResult) Job {
	return Job{
		Name: "smbalance " + cfg.BasinName,
		Run: func(ctx context.Context, ctl Control) error {
			if ctl.Aborted != nil && ctl.Aborted() {
				return ErrAborted
			}
			cfg.Progress = ctl.Progress
			r, err := RunSMBalance(ctx, cfg, m)
			if err != nil {
				return err
			}
			if res != nil {
				*res = r
			}
			return nil
		},
	}
}

// Runner runs at most one job at a time.
type Runner struct {
	// Progress, if not nil, receives the progress reports of every job.
	Progress ProgressFunc

	mu     sync.Mutex
	active string
}

// Handle is a running job.
type Handle struct {
	aborted atomic.Bool
	done    chan struct{}
	err     error
}

// Abort requests that the job stop before its next stage.
func (h *Handle) Abort() { h.aborted.Store(true) }

// Wait blocks until the job has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Start runs job in the background. It returns a *ConcurrencyError if
// another job is still running.
func (r *Runner) Start(ctx context.Context, job Job) (*Handle, error) {
	r.mu.Lock()
	if r.active != "" {
		active := r.active
		r.mu.Unlock()
		return nil, &ConcurrencyError{Active: active}
	}
	r.active = job.Name
	r.mu.Unlock()

	h := &Handle{done: make(chan struct{})}
	events := make(chan progressEvent, progressBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events {
			if r.Progress != nil {
				r.Progress(e.current, e.total, e.msg)
			}
		}
	}()
	ctl := Control{
		Aborted: h.aborted.Load,
		Progress: func(current, total int, msg string) {
			select {
			case events <- progressEvent{current, total, msg}:
			default:
			}
		},
	}
	go func() {
		h.err = job.Run(ctx, ctl)
		close(events)
		wg.Wait()
		r.mu.Lock()
		r.active = ""
		r.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type progressEvent struct {
	current, total int
	msg            string
}
