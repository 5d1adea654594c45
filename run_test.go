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
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRunnerConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var reports []string
	r := &Runner{Progress: func(_, _ int, msg string) {
		mu.Lock()
		reports = append(reports, msg)
		mu.Unlock()
	}}
	release := make(chan struct{})
	started := make(chan struct{})
	h, err := r.Start(context.Background(), Job{Name: "first", Run: func(_ context.Context, ctl Control) error {
		close(started)
		<-release
		for i := 1; i <= 3; i++ {
			ctl.Progress(i, 3, "step")
		}
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	_, err = r.Start(context.Background(), Job{Name: "second", Run: func(context.Context, Control) error { return nil }})
	var ce *ConcurrencyError
	if !errors.As(err, &ce) || ce.Active != "first" {
		t.Errorf("got %v, want ConcurrencyError for first", err)
	}
	close(release)
	if err := h.Wait(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if len(reports) != 3 {
		t.Errorf("got %d progress reports, want 3", len(reports))
	}
	mu.Unlock()

	h, err = r.Start(context.Background(), Job{Name: "third", Run: func(context.Context, Control) error { return nil }})
	if err != nil {
		t.Fatalf("runner should accept a job once the previous one finished: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Error(err)
	}
}

func TestRunnerAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var r Runner
	h, err := r.Start(context.Background(), Job{Name: "loop", Run: func(_ context.Context, ctl Control) error {
		for !ctl.Aborted() {
			time.Sleep(time.Millisecond)
		}
		return ErrAborted
	}})
	if err != nil {
		t.Fatal(err)
	}
	h.Abort()
	if err := h.Wait(); !errors.Is(err, ErrAborted) {
		t.Errorf("got %v, want ErrAborted", err)
	}
}

func TestRunnerJobs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, meta := basinFixture(t, dir)
	s, err := InitializeHydroloop(ctx, meta, m, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var r Runner
	h, err := r.Start(ctx, HydroloopJob(s))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(s.Completed()) != len(Stages()) {
		t.Errorf("completed: %v", s.Completed())
	}

	smDir := t.TempDir()
	sm, err := NewManifest(smFixture(t, smDir, 3, 3, 2))
	if err != nil {
		t.Fatal(err)
	}
	var res *SMBalanceResult
	h, err = r.Start(ctx, SMBalanceJob(smConfig(smDir, DefaultChunks), sm, &res))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Wait(); err != nil {
		t.Fatal(err)
	}
	if res == nil || len(res.Outputs) != len(smOutputs) {
		t.Errorf("soil moisture balance result: %+v", res)
	}
}
