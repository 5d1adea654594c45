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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// rainyThreshold is the daily precipitation [mm/day] above which a day
// counts as rainy.
const rainyThreshold = 0.0

// monthBucket holds the indices of the time steps falling in one
// calendar month.
type monthBucket struct {
	start time.Time
	steps []int
}

// bucketByMonth groups times into calendar months, in order of first
// appearance.
func bucketByMonth(times []time.Time) []monthBucket {
	var buckets []monthBucket
	pos := make(map[time.Time]int)
	for i, t := range times {
		s := monthStart(t)
		k, ok := pos[s]
		if !ok {
			k = len(buckets)
			pos[s] = k
			buckets = append(buckets, monthBucket{start: s})
		}
		buckets[k].steps = append(buckets[k].steps, i)
	}
	return buckets
}

// readSteps returns the block of v for the given time steps, which need
// not be contiguous.
func readSteps(v *GriddedVariable, steps []int, w Window) (*sparse.DenseArray, error) {
	if steps[len(steps)-1]-steps[0] == len(steps)-1 {
		return v.Block(steps[0], steps[len(steps)-1]+1, w)
	}
	ny, nx := w.size()
	out := sparse.ZerosDense(len(steps), ny, nx)
	for k, t := range steps {
		b, err := v.Block(t, t+1, w)
		if err != nil {
			return nil, err
		}
		copy(out.Elements[k*ny*nx:], b.Elements)
	}
	return out, nil
}

// RainyDays counts the days per month with precipitation in daily and
// aligns the counts to the time steps of monthly. Months with no rainy
// days but positive monthly precipitation are given one rainy day.
// The result is written to out as a 16-bit integer variable.
func RainyDays(ctx context.Context, daily, monthly *GriddedVariable, out string) (*GriddedVariable, error) {
	if err := CheckGrid(daily, monthly); err != nil {
		return nil, err
	}
	buckets := bucketByMonth(daily.Time)
	starts := make([]time.Time, len(buckets))
	for i, b := range buckets {
		starts[i] = b.start
	}
	match := nearestIndex(starts, monthly.Time)
	for m, b := range match {
		if !sameMonth(starts[b], monthly.Time[m]) {
			return nil, &AlignmentError{Var: daily.Name, Ref: monthly.Name,
				Reason: fmt.Sprintf("no daily data for %s", monthly.Time[m].Format("2006-01"))}
		}
	}

	tmpl := monthly.Like("NRD", "None")
	tmpl.DType = Int16
	tmpl.Source = "GPM"
	tmpl.Quantity = "n rainy days"
	w, err := Create(out, tmpl)
	if err != nil {
		return nil, err
	}
	_, ny, nx := monthly.Shape()
	for _, win := range monthly.Chunks.Windows(ny, nx) {
		bny, bnx := win.size()
		for m, b := range match {
			days, err := readSteps(daily, buckets[b].steps, win)
			if err != nil {
				w.Abort()
				return nil, err
			}
			p, err := monthly.Block(m, m+1, win)
			if err != nil {
				w.Abort()
				return nil, err
			}
			nrd := sparse.ZerosDense(1, bny, bnx)
			for px := range nrd.Elements {
				var n float64
				for d := 0; d < days.Shape[0]; d++ {
					v := days.Elements[d*bny*bnx+px]
					if math.IsNaN(v) {
						n = math.NaN()
						break
					}
					if v > rainyThreshold {
						n++
					}
				}
				if n == 0 && p.Elements[px] > 0 {
					n = 1
				}
				nrd.Elements[px] = n
			}
			if err := w.WriteBlock(m, win.J0, win.I0, nrd); err != nil {
				w.Abort()
				return nil, err
			}
		}
	}
	return w.Close()
}

// interception returns the canopy interception [mm/month] for leaf area
// index lai, monthly precipitation p and n rainy days.
func interception(lai, p, n float64) float64 {
	if math.IsNaN(lai) || math.IsNaN(p) || math.IsNaN(n) {
		return math.NaN()
	}
	if lai <= 0 || n <= 0 || p <= 0 {
		return 0
	}
	vegCover := 1 - math.Exp(-lai/2)
	return lai * (1 - 1/(1+(p/n)*(vegCover/lai))) * n
}

// Interception calculates monthly canopy interception from leaf area
// index, monthly precipitation and rainy day counts and writes it to out.
func Interception(ctx context.Context, lai, p, nrd *GriddedVariable, out string) (*GriddedVariable, error) {
	for _, v := range []*GriddedVariable{lai, nrd} {
		if err := CheckGrid(v, p); err != nil {
			return nil, err
		}
		if err := CheckMonthly(v, p); err != nil {
			return nil, err
		}
	}
	tmpl := p.Like("I", "mm/month")
	tmpl.Quantity = "I"
	w, err := Create(out, tmpl)
	if err != nil {
		return nil, err
	}
	nt, _, _ := p.Shape()
	err = mapPixels(ctx, p.Chunks, nt, []*GriddedVariable{lai, p, nrd}, []*GridWriter{w},
		func(_, _, _ int, in, out []float64) {
			out[0] = interception(in[0], in[1], in[2])
		})
	if err != nil {
		w.Abort()
		return nil, err
	}
	return w.Close()
}

// median returns the median of the non-NaN values in x, or NaN if there
// are none. x is reordered.
func median(x []float64) float64 {
	vals := x[:0]
	for _, v := range x {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// LAIToMonthly reduces sub-monthly leaf area index composites to one
// value per calendar month by taking the median, and writes the result
// to out.
func LAIToMonthly(ctx context.Context, lai *GriddedVariable, out string) (*GriddedVariable, error) {
	buckets := bucketByMonth(lai.Time)
	times := make([]time.Time, len(buckets))
	for i, b := range buckets {
		times[i] = b.start
	}
	tmpl := lai.Like("LAI", lai.Units)
	tmpl.Time = times
	tmpl.Source = lai.Source
	tmpl.Quantity = "LAI"
	w, err := Create(out, tmpl)
	if err != nil {
		return nil, err
	}
	_, ny, nx := lai.Shape()
	for _, win := range lai.Chunks.Windows(ny, nx) {
		bny, bnx := win.size()
		for m, b := range buckets {
			vals, err := readSteps(lai, b.steps, win)
			if err != nil {
				w.Abort()
				return nil, err
			}
			res := sparse.ZerosDense(1, bny, bnx)
			buf := make([]float64, len(b.steps))
			for px := range res.Elements {
				for d := range b.steps {
					buf[d] = vals.Elements[d*bny*bnx+px]
				}
				res.Elements[px] = median(buf)
			}
			if err := w.WriteBlock(m, win.J0, win.I0, res); err != nil {
				w.Abort()
				return nil, err
			}
		}
	}
	return w.Close()
}

// PreprocConfig holds the inputs for Preprocess.
type PreprocConfig struct {
	BasinName string
	OutputDir string
	Chunks    ChunkShape

	// DailyP, P and LAI are the paths of the daily precipitation,
	// monthly precipitation and leaf area index files.
	DailyP, P, LAI string

	// LCC is the path of an optional WaPOR land cover file. When set it
	// is reclassified to LUWA land use with Overlays.
	LCC      string
	Overlays LandCoverOverlays

	Log logrus.FieldLogger
}

// Preprocess derives the rainy day counts and interception required by
// the soil moisture balance, and LUWA land use if a land cover file is
// configured. LAI with more than one time step per month
// is reduced to monthly values first. It returns the paths of the files
// it wrote.
func Preprocess(ctx context.Context, cfg PreprocConfig) (map[VarKey]string, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if err := cfg.Chunks.Validate(); err != nil {
		return nil, err
	}
	inputs := []struct {
		key  VarKey
		path string
		v    *GriddedVariable
	}{{key: VarDailyP, path: cfg.DailyP}, {key: VarP, path: cfg.P}, {key: VarLAI, path: cfg.LAI}}
	for _, in := range inputs {
		if in.path == "" {
			return nil, &MissingInputError{Key: in.key}
		}
		if _, err := os.Stat(in.path); err != nil {
			return nil, &MissingInputError{Key: in.key, Path: in.path}
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		g.Go(func() error {
			var err error
			inputs[i].v, err = Open(inputs[i].path, cfg.Chunks)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dailyP, p, lai := inputs[0].v, inputs[1].v, inputs[2].v
	if !isMonthly(p.Time) {
		return nil, &AlignmentError{Var: p.Name, Ref: "monthly calendar", Reason: "time steps are not consecutive months"}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, &DataAccessError{Path: cfg.OutputDir, Err: err}
	}
	name := func(q string) string {
		return filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%s_preproc.nc", cfg.BasinName, q))
	}
	paths := make(map[VarKey]string)

	if len(bucketByMonth(lai.Time)) != len(lai.Time) {
		cfg.Log.WithFields(logrus.Fields{"steps": len(lai.Time)}).Info("reducing LAI to monthly values")
		var err error
		if lai, err = LAIToMonthly(ctx, lai, name("LAI")); err != nil {
			return nil, fmt.Errorf("waplus: monthly LAI: %w", err)
		}
		paths[VarLAI] = lai.Path()
	}

	cfg.Log.WithFields(logrus.Fields{"days": len(dailyP.Time), "months": len(p.Time)}).Info("counting rainy days")
	nrd, err := RainyDays(ctx, dailyP, p, name("NRD"))
	if err != nil {
		return nil, fmt.Errorf("waplus: rainy days: %w", err)
	}
	paths[VarNRD] = nrd.Path()

	cfg.Log.Info("calculating interception")
	i, err := Interception(ctx, lai, p, nrd, name("I"))
	if err != nil {
		return nil, fmt.Errorf("waplus: interception: %w", err)
	}
	paths[VarI] = i.Path()

	if cfg.LCC != "" {
		cfg.Log.WithFields(logrus.Fields{"lcc": cfg.LCC}).Info("reclassifying land cover")
		lcc, err := Open(cfg.LCC, cfg.Chunks)
		if err != nil {
			return nil, err
		}
		if err := CheckGrid(lcc, p); err != nil {
			return nil, err
		}
		lu, err := ReclassifyLandCover(ctx, lcc, cfg.Overlays, name("LU"))
		if err != nil {
			return nil, fmt.Errorf("waplus: land use: %w", err)
		}
		paths[VarLU] = lu.Path()
	}
	return paths, nil
}
