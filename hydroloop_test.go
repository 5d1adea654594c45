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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// landUseColumns are the land use classes of each column of the test
// basin: managed, utilized, protected and modified.
var landUseColumns = []float64{70, 15, 3, 40}

const (
	basinNY     = 3
	basinMonths = 14
)

// basinFixture writes the inputs of a 3 × 4 basin with 14 months starting
// in November 2009 to dir.
func basinFixture(t *testing.T, dir string) (*Manifest, BasinMetadata) {
	t.Helper()
	times := monthsFrom(2009, time.November, basinMonths)
	static := times[:1]
	nx := len(landUseColumns)
	constant := func(name string, times []time.Time, v float64) string {
		return fileGrid(t, dir, name, times, basinNY, nx, func(_, _, _ int) float64 { return v }).Path()
	}
	paths := map[VarKey]string{
		// Precipitation covers one more month at each end.
		VarP:      constant("P", monthsFrom(2009, time.October, basinMonths+2), 80),
		VarET:     constant("ET", times, 100),
		VarETref:  constant("ETref", times, 120),
		VarI:      constant("I", times, 5),
		VarNRD:    constant("NRD", times, 5),
		VarSRO:    constant("SRO", times, 10),
		VarPERC:   constant("PERC", times, 4),
		VarBF:     constant("BF", times, 1),
		VarSupply: constant("Supply", times, 50),
		VarETB:    constant("ETB", times, 40),
		VarETG:    constant("ETG", times, 60),
		VarLU: fileGrid(t, dir, "LU", static, basinNY, nx, func(_, _, i int) float64 {
			return landUseColumns[i]
		}).Path(),
	}
	m, err := NewManifest(paths)
	if err != nil {
		t.Fatal(err)
	}
	meta := DefaultBasinMetadata("Test", filepath.Join(dir, "out"))
	meta.Chunks = ChunkShape{4, 2, 3}
	meta.Static.AEISW = constant("aeisw", static, 30)
	meta.Static.Population = constant("population", static, 1000)
	return m, meta
}

func TestInitializeHydroloop(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, meta := basinFixture(t, dir)
	s, err := InitializeHydroloop(ctx, meta, m, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p := s.TSData[VarP]
	if len(p.Time) != basinMonths || !p.Time[0].Equal(s.Reference().Time[0]) {
		t.Errorf("precipitation should be restricted to the basin months, got %d from %v", len(p.Time), p.Time[0])
	}
	if len(s.Completed()) != 0 {
		t.Errorf("fresh state has completed stages %v", s.Completed())
	}

	t.Run("static", func(t *testing.T) {
		v, err := s.Static(ctx, "aeisw")
		if err != nil {
			t.Fatal(err)
		}
		if v == nil || !v.Static() {
			t.Fatalf("aeisw: got %+v", v)
		}
		if v.Path() != "" {
			t.Errorf("static rasters should be held in memory, got path %s", v.Path())
		}
		if v, err := s.Static(ctx, "dem"); v != nil || err != nil {
			t.Errorf("unconfigured raster: got %v, %v", v, err)
		}
		var ve *ValidationError
		if _, err := s.Static(ctx, "soil"); !errors.As(err, &ve) {
			t.Errorf("unknown raster: got %v, want ValidationError", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		bad := meta
		bad.HydroYearEndMonth = 13
		var ve *ValidationError
		if _, err := InitializeHydroloop(ctx, bad, m, nil, testLogger()); !errors.As(err, &ve) {
			t.Errorf("got %v, want ValidationError", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		paths := make(map[VarKey]string)
		for _, k := range m.Keys() {
			paths[k], _ = m.Path(k)
		}
		delete(paths, VarETref)
		m2, err := NewManifest(paths)
		if err != nil {
			t.Fatal(err)
		}
		var me *MissingInputError
		if _, err := InitializeHydroloop(ctx, meta, m2, nil, testLogger()); !errors.As(err, &me) || me.Key != VarETref {
			t.Errorf("got %v, want MissingInputError for ETref", err)
		}
	})

	t.Run("misaligned", func(t *testing.T) {
		short := fileGrid(t, dir, "ETshort", monthsFrom(2010, time.January, 3), basinNY, len(landUseColumns),
			func(_, _, _ int) float64 { return 1 })
		m2, err := m.With(map[VarKey]string{VarET: short.Path()})
		if err != nil {
			t.Fatal(err)
		}
		var ae *AlignmentError
		if _, err := InitializeHydroloop(ctx, meta, m2, nil, testLogger()); !errors.As(err, &ae) {
			t.Errorf("got %v, want AlignmentError", err)
		}
	})
}

func TestStageOrder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, meta := basinFixture(t, dir)
	stages := Stages()
	for k := 1; k < len(stages); k++ {
		s, err := InitializeHydroloop(ctx, meta, m, nil, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		_, err = stages[k].Run(ctx, s)
		var se *StageOrderError
		if !errors.As(err, &se) {
			t.Errorf("%s on a fresh state: got %v, want StageOrderError", stages[k].Name, err)
			continue
		}
		if se.Stage != stages[k].Name || se.Missing != stages[k-1].Name {
			t.Errorf("%s: got %+v", stages[k].Name, se)
		}
		if len(s.Completed()) != 0 {
			t.Errorf("%s: state was modified: %v", stages[k].Name, s.Completed())
		}
	}
	if err := Cleanup(&BasinState{}); err == nil {
		t.Error("cleanup before the time series should fail")
	}
}

func writeTable(t *testing.T, dir, name string, from time.Time, n int, v float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,value\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,%g\n", from.AddDate(0, i, 0).Format("2006-01-02"), v)
	}
	path := filepath.Join(dir, name+".csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, meta := basinFixture(t, dir)
	meta.Expressions = map[string]string{
		"net":   "inflow - ET",
		"twice": "net * 2",
	}
	// The table runs a month before and two after the grids.
	tables, err := LoadTables(map[string]string{
		TableInflow: writeTable(t, dir, "inflow", time.Date(2009, time.October, 1, 0, 0, 0, 0, time.UTC), 17, 10),
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := InitializeHydroloop(ctx, meta, m, tables, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var progress []string
	err = NewPipeline().Run(ctx, s, Control{Progress: func(_, _ int, msg string) { progress = append(progress, msg) }})
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) != len(Stages()) || len(s.Completed()) != len(Stages()) {
		t.Fatalf("progress %v, completed %v", progress, s.Completed())
	}

	areas, err := RowAreas(s.Reference().Lat, s.Reference().Lon, s.Reference().Res)
	if err != nil {
		t.Fatal(err)
	}
	const j = 1
	// November has 30 days.
	res := 1000 * 100 * 30 / areas[j]
	for _, c := range []struct {
		key  VarKey
		i    int
		want float64
	}{
		{VarLUMonthly, 0, 70},
		{VarETRain, 0, 60},
		{VarETIncr, 0, 40},
		{VarETRain, 1, 100},
		{VarETIncr, 1, 0},
		{VarSupplySW, 0, 15},
		{VarSupplyGW, 0, 35},
		{VarSupplySW, 1, 0},
		{VarDemand, 0, 75},
		{VarUnmetDemand, 0, 25},
		{VarDemand, 1, 0},
		{VarReturnSW, 0, 1.5},
		{VarReturnGW, 0, 3.5},
		{VarReturnSW, 2, 0},
		{VarResidentialSupply, 0, res},
		{VarReturnTotal, 0, 5 + 0.9*res},
		{VarSupplyTotal, 0, 50 + res},
		{VarFracSW, 0, 15 / (50 + res)},
		{VarFracGW, 0, 35 / (50 + res)},
		{VarFracResidential, 1, 1},
		{VarConsumedFraction, 0, (45 - 0.9*res + res) / (50 + res)},
		{VarConsumedFraction, 1, 0.1},
	} {
		v, ok := s.TSData[c.key]
		if !ok {
			t.Errorf("missing %s", c.key)
			continue
		}
		got := readAll(t, v).Get(0, j, c.i)
		if c.want == 0 {
			if got != 0 {
				t.Errorf("%s at column %d: got %g, want 0", c.key, c.i, got)
			}
			continue
		}
		if different(got, c.want, 1e-9) {
			t.Errorf("%s at column %d: got %.10g, want %.10g", c.key, c.i, got, c.want)
		}
	}

	sum := s.Summary
	if len(sum.Years) != 2 || sum.Years[0] != 2010 || sum.Years[1] != 2011 {
		t.Fatalf("hydrological years: got %v", sum.Years)
	}
	if sum.YearMonths[0] != 12 || sum.YearMonths[1] != 2 || sum.Partial(0) || !sum.Partial(1) {
		t.Errorf("months per year: got %v", sum.YearMonths)
	}
	var area float64
	for _, a := range areas {
		area += a / 1e6 * float64(len(landUseColumns))
	}
	for _, c := range []struct {
		name string
		year int
		want float64
	}{
		{"ET", 2010, 12 * 100 * area / 1000},
		{"ET", 2011, 2 * 100 * area / 1000},
		{"NRD", 2010, 5},
		{"inflow", 2010, 120},
		{"inflow", 2011, 20},
		{"net", 2010, 120 - 12*100*area/1000},
		{"twice", 2011, 2 * (20 - 2*100*area/1000)},
	} {
		got, ok := sum.Value(c.name, c.year)
		if !ok || different(got, c.want, 1e-9) {
			t.Errorf("%s in %d: got %g (%v), want %g", c.name, c.year, got, ok, c.want)
		}
	}
	for _, f := range []string{"Test_timeseries_monthly.csv", "Test_sheet_2010.csv", "Test_sheet_2011.csv", "Test_yearly.xlsx"} {
		if _, err := os.Stat(filepath.Join(meta.OutputDir, f)); err != nil {
			t.Error(err)
		}
	}
	sheet, err := os.ReadFile(filepath.Join(meta.OutputDir, "Test_sheet_2011.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(sheet), "months,2,") {
		t.Errorf("partial year sheet should record its months:\n%s", sheet)
	}

	t.Run("rerun", func(t *testing.T) {
		if err := NewPipeline().Run(ctx, s, Control{Aborted: func() bool { return true }}); err != nil {
			t.Errorf("completed pipeline should not run again: %v", err)
		}
	})

	t.Run("cleanup", func(t *testing.T) {
		lum := s.OutputPath(VarLUMonthly)
		s.Meta.Cleanup = true
		if err := NewPipeline().Run(ctx, s, Control{}); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(lum); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed: %v", lum, err)
		}
		for _, k := range []VarKey{VarLUMonthly, VarETIncr, VarETRain} {
			if _, ok := s.TSData[k]; ok {
				t.Errorf("%s still in state", k)
			}
		}
		if _, err := os.Stat(s.OutputPath(VarFracSW)); err != nil {
			t.Errorf("final outputs should be kept: %v", err)
		}
	})
}

func TestPipelineAbort(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, meta := basinFixture(t, dir)
	s, err := InitializeHydroloop(ctx, meta, m, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	aborted := func() bool {
		calls++
		return calls > 2
	}
	if err := NewPipeline().Run(ctx, s, Control{Aborted: aborted}); !errors.Is(err, ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
	want := []string{StageResampleLU, StageSplitET}
	if got := s.Completed(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("completed: got %v, want %v", got, want)
	}

	// Resuming runs the remaining stages.
	if err := NewPipeline().Run(ctx, s, Control{}); err != nil {
		t.Fatal(err)
	}
	if len(s.Completed()) != len(Stages()) {
		t.Errorf("completed: got %v", s.Completed())
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	s2, err := InitializeHydroloop(ctx, meta, m, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := NewPipeline().Run(cctx, s2, Control{}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if len(s2.Completed()) != 0 {
		t.Errorf("completed after cancel: %v", s2.Completed())
	}

	// A stage that has started runs to completion.
	if _, err := ResampleLU(cctx, s2); err != nil {
		t.Fatalf("stage with canceled context: %v", err)
	}
	if got := s2.Completed(); len(got) != 1 || got[0] != StageResampleLU {
		t.Errorf("completed: got %v", got)
	}
}

func TestFraction(t *testing.T) {
	for _, c := range []struct{ in, want float64 }{
		{0.3, 0.3}, {30, 0.3}, {1, 1}, {-2, 0}, {250, 1},
	} {
		if got := fraction(c.in); got != c.want {
			t.Errorf("fraction(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}
