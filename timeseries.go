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
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"github.com/tealeg/xlsx"
	"gonum.org/v1/gonum/floats"
)

// hydroYear returns the hydrological year of month t for a year ending
// in endMonth. Years are labelled by the calendar year they end in.
func hydroYear(t time.Time, endMonth int) int {
	if int(t.Month()) <= endMonth {
		return t.Year()
	}
	return t.Year() + 1
}

// meanKeys are aggregated as area-weighted means rather than volumes.
var meanKeys = map[VarKey]bool{
	VarLAI: true, VarProbaV: true, VarNRD: true,
	VarFracSW: true, VarFracGW: true, VarFracResidential: true, VarConsumedFraction: true,
}

// categoricalKeys are not aggregated.
var categoricalKeys = map[VarKey]bool{VarLU: true, VarLUMonthly: true}

// Summary holds basin-wide values of the hydroloop variables and tables.
type Summary struct {
	// Names lists the quantities in output order.
	Names []string
	Units map[string]string

	Months  []time.Time
	Monthly map[string][]float64

	Years  []int
	Yearly map[string][]float64
	// YearMonths counts the reference months in each year. Years with
	// fewer than 12 are only partly covered.
	YearMonths []int
}

// Partial reports whether hydrological year i is only partly covered by
// the reference time axis.
func (s *Summary) Partial(i int) bool {
	return s.YearMonths[i] < 12
}

// Value returns the value of quantity name in hydrological year year.
func (s *Summary) Value(name string, year int) (float64, bool) {
	v, ok := s.Yearly[name]
	if !ok {
		return 0, false
	}
	for i, y := range s.Years {
		if y == year {
			return v[i], true
		}
	}
	return 0, false
}

// basinValues returns the basin-wide value of v for every month: the sum
// of depth times cell area in km² divided by unitConv, or, if mean is
// true, the area-weighted mean. Only pixels inside mask with finite values
// contribute. mask may be nil.
func basinValues(ctx context.Context, v, mask *GriddedVariable, areas []float64, chunks ChunkShape, unitConv float64, mean bool) ([]float64, error) {
	nt := len(v.Time)
	sum := make([]float64, nt)
	wsum := make([]float64, nt)
	inputs := []*GriddedVariable{v}
	if mask != nil {
		inputs = append(inputs, mask)
	}
	err := forEachBlock(ctx, chunks, nt, inputs, func(t0 int, w Window, blocks []*sparse.DenseArray) error {
		bnt, bny, bnx := blocks[0].Shape[0], blocks[0].Shape[1], blocks[0].Shape[2]
		for k := 0; k < bnt; k++ {
			for jj := 0; jj < bny; jj++ {
				akm2 := areas[w.J0+jj] / 1e6
				for ii := 0; ii < bnx; ii++ {
					p := (k*bny+jj)*bnx + ii
					x := blocks[0].Elements[p]
					if math.IsNaN(x) || math.IsInf(x, 0) {
						continue
					}
					if mask != nil && !inMask(blocks[1].Elements[p]) {
						continue
					}
					sum[t0+k] += x * akm2
					wsum[t0+k] += akm2
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for t := range sum {
		switch {
		case mean && wsum[t] > 0:
			sum[t] /= wsum[t]
		case mean:
			sum[t] = math.NaN()
		default:
			sum[t] /= unitConv
		}
	}
	return sum, nil
}

// CalcTimeSeries aggregates every monthly variable of s to a basin-wide
// monthly series, groups the months into hydrological years, adds the
// tables and the configured expressions and writes the results to the
// output directory.
func CalcTimeSeries(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageCalcTimeSeries, VarFracSW, VarConsumedFraction); err != nil {
		return nil, err
	}
	fail := func(key VarKey, err error) ([]string, error) {
		return nil, &StageError{Stage: StageCalcTimeSeries, Key: key, Err: err}
	}
	mask, err := s.Static(ctx, "mask")
	if err != nil {
		return fail("mask", err)
	}
	areas, err := s.rowAreas()
	if err != nil {
		return fail("", err)
	}
	ref := s.Reference()
	sum := &Summary{
		Units:   make(map[string]string),
		Months:  ref.Time,
		Monthly: make(map[string][]float64),
		Yearly:  make(map[string][]float64),
	}
	keys := make([]string, 0, len(s.TSData))
	for k, v := range s.TSData {
		if categoricalKeys[k] || v.Static() {
			continue
		}
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := VarKey(k)
		mean := meanKeys[key]
		vals, err := basinValues(ctx, s.TSData[key], mask, areas, s.Meta.Chunks, s.Meta.UnitConversion, mean)
		if err != nil {
			return fail(key, err)
		}
		sum.Names = append(sum.Names, k)
		sum.Monthly[k] = vals
		if mean {
			sum.Units[k] = s.TSData[key].Units
		} else {
			sum.Units[k] = "MCM"
		}
	}

	yearIdx := make(map[int]int)
	monthYear := make([]int, len(ref.Time))
	for t, tt := range ref.Time {
		y := hydroYear(tt, s.Meta.HydroYearEndMonth)
		monthYear[t] = y
		if _, ok := yearIdx[y]; !ok {
			yearIdx[y] = len(sum.Years)
			sum.Years = append(sum.Years, y)
			sum.YearMonths = append(sum.YearMonths, 0)
		}
		sum.YearMonths[yearIdx[y]]++
	}
	byYear := func(vals []float64, months []time.Time, mean bool) []float64 {
		groups := make([][]float64, len(sum.Years))
		for t, tt := range months {
			i, ok := yearIdx[hydroYear(tt, s.Meta.HydroYearEndMonth)]
			if !ok || math.IsNaN(vals[t]) {
				continue
			}
			groups[i] = append(groups[i], vals[t])
		}
		out := make([]float64, len(groups))
		for i, g := range groups {
			switch {
			case len(g) == 0:
				out[i] = math.NaN()
			case mean:
				out[i] = floats.Sum(g) / float64(len(g))
			default:
				out[i] = floats.Sum(g)
			}
		}
		return out
	}
	for _, k := range sum.Names {
		sum.Yearly[k] = byYear(sum.Monthly[k], ref.Time, meanKeys[VarKey(k)])
	}

	var msgs []string
	for i, y := range sum.Years {
		if sum.Partial(i) {
			msgs = append(msgs, fmt.Sprintf("hydrological year %d is partial: %d of 12 months", y, sum.YearMonths[i]))
		}
	}
	for _, name := range tableNames {
		series, ok := s.Tables[name]
		if !ok {
			continue
		}
		monthly := make([]float64, len(ref.Time))
		for t, tt := range ref.Time {
			v, ok := series[monthStart(tt)]
			if !ok {
				v = math.NaN()
			}
			monthly[t] = v
		}
		sum.Names = append(sum.Names, name)
		sum.Units[name] = "MCM"
		sum.Monthly[name] = monthly
		// Only reference months count, so table and grid totals agree.
		sum.Yearly[name] = byYear(monthly, ref.Time, false)
		msgs = append(msgs, fmt.Sprintf("added %s table with %d months", name, len(series)))
	}

	if err := sum.evaluate(s.Meta.Expressions); err != nil {
		return fail("", err)
	}
	if err := sum.write(s.Meta.OutputDir, s.Meta.Name); err != nil {
		return fail("", err)
	}
	s.Summary = sum
	s.log.WithFields(logrus.Fields{"years": len(sum.Years), "quantities": len(sum.Names)}).Info("computed basin time series")
	s.finish(StageCalcTimeSeries)
	return append(msgs, fmt.Sprintf("summarized %d hydrological years", len(sum.Years))), nil
}

// numbers returns the arguments of the summary function name, which
// must be n numbers.
func numbers(name string, n int, arg []interface{}) ([]float64, error) {
	if len(arg) != n {
		return nil, fmt.Errorf("waplus: got %d arguments for function '%s', but needs %d", len(arg), name, n)
	}
	x := make([]float64, n)
	for i, a := range arg {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("waplus: argument %d of function '%s' is %v, not a number", i+1, name, a)
		}
		x[i] = f
	}
	return x, nil
}

var summaryFuncs = map[string]govaluate.ExpressionFunction{
	"abs": func(arg ...interface{}) (interface{}, error) {
		x, err := numbers("abs", 1, arg)
		if err != nil {
			return nil, err
		}
		return math.Abs(x[0]), nil
	},
	"max": func(arg ...interface{}) (interface{}, error) {
		x, err := numbers("max", 2, arg)
		if err != nil {
			return nil, err
		}
		return math.Max(x[0], x[1]), nil
	},
	"min": func(arg ...interface{}) (interface{}, error) {
		x, err := numbers("min", 2, arg)
		if err != nil {
			return nil, err
		}
		return math.Min(x[0], x[1]), nil
	},
}

// evaluate adds the yearly values of exprs, which may refer to any
// quantity of s or to each other.
func (s *Summary) evaluate(exprs map[string]string) error {
	pending := make(map[string]*govaluate.EvaluableExpression)
	for name, e := range exprs {
		if _, ok := s.Yearly[name]; ok {
			return &ValidationError{Field: "expressions." + name, Value: e, Reason: "redefines an existing quantity"}
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(e, summaryFuncs)
		if err != nil {
			return &ValidationError{Field: "expressions." + name, Value: e, Reason: err.Error()}
		}
		pending[name] = expr
	}
	for len(pending) > 0 {
		var ready []string
		for name, expr := range pending {
			ok := true
			for _, v := range expr.Vars() {
				if _, have := s.Yearly[v]; !have {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			var names []string
			for name := range pending {
				names = append(names, name)
			}
			sort.Strings(names)
			return &ValidationError{Field: "expressions", Value: names, Reason: "refer to unknown quantities"}
		}
		sort.Strings(ready)
		for _, name := range ready {
			expr := pending[name]
			vals := make([]float64, len(s.Years))
			for i := range s.Years {
				params := make(map[string]interface{})
				for _, v := range expr.Vars() {
					params[v] = s.Yearly[v][i]
				}
				r, err := expr.Evaluate(params)
				if err != nil {
					return fmt.Errorf("waplus: evaluating %s for %d: %w", name, s.Years[i], err)
				}
				f, ok := r.(float64)
				if !ok {
					return fmt.Errorf("waplus: expression %s returned %T, not a number", name, r)
				}
				vals[i] = f
			}
			s.Yearly[name] = vals
			s.Names = append(s.Names, name)
			delete(pending, name)
		}
	}
	return nil
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// write saves the monthly series, one CSV file per year and a workbook
// with one sheet per year to dir.
func (s *Summary) write(dir, basin string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &DataAccessError{Path: dir, Err: err}
	}
	var monthlyNames []string
	for _, n := range s.Names {
		if _, ok := s.Monthly[n]; ok {
			monthlyNames = append(monthlyNames, n)
		}
	}
	rows := [][]string{append([]string{"month"}, monthlyNames...)}
	for t, m := range s.Months {
		r := []string{m.Format("2006-01")}
		for _, n := range monthlyNames {
			r = append(r, formatValue(s.Monthly[n][t]))
		}
		rows = append(rows, r)
	}
	if err := writeCSV(filepath.Join(dir, basin+"_timeseries_monthly.csv"), rows); err != nil {
		return err
	}

	book := xlsx.NewFile()
	for i, y := range s.Years {
		rows := [][]string{{"quantity", "value", "units"}, {"months", strconv.Itoa(s.YearMonths[i]), ""}}
		for _, n := range s.Names {
			rows = append(rows, []string{n, formatValue(s.Yearly[n][i]), s.Units[n]})
		}
		if err := writeCSV(filepath.Join(dir, fmt.Sprintf("%s_sheet_%d.csv", basin, y)), rows); err != nil {
			return err
		}
		sheet, err := book.AddSheet(strconv.Itoa(y))
		if err != nil {
			return fmt.Errorf("waplus: adding sheet for %d: %w", y, err)
		}
		for j, r := range rows {
			row := sheet.AddRow()
			for c, val := range r {
				cell := row.AddCell()
				if f, err := strconv.ParseFloat(val, 64); j > 0 && c == 1 && err == nil {
					cell.SetFloat(f)
				} else {
					cell.Value = val
				}
			}
		}
	}
	return writeFile(filepath.Join(dir, basin+"_yearly.xlsx"), book.Write)
}

func writeCSV(path string, rows [][]string) error {
	return writeFile(path, func(w io.Writer) error {
		return csv.NewWriter(w).WriteAll(rows)
	})
}

// writeFile writes to path + ".partial", which must not exist, and moves
// the result to path once write succeeds.
func writeFile(path string, write func(io.Writer) error) error {
	partial := path + ".partial"
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return &DataAccessError{Path: path, Err: err}
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(partial)
		return &DataAccessError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return &DataAccessError{Path: path, Err: err}
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return &DataAccessError{Path: path, Err: err}
	}
	return nil
}
