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
	"math"
	"os"
	"path/filepath"

	"github.com/ctessum/sparse"
	"github.com/ctessum/unit"
	"github.com/sirupsen/logrus"
)

// Names of the hydroloop stages, in the order they run.
const (
	StageResampleLU        = "resample_lu"
	StageSplitET           = "split_et"
	StageSplitSupply       = "split_supply"
	StageCalcDemand        = "calc_demand"
	StageCalcReturn        = "calc_return"
	StageResidentialSupply = "calc_residential_supply"
	StageCalcTotalSupply   = "calc_total_supply"
	StageCalcFraction      = "calc_fraction"
	StageCalcTimeSeries    = "calc_time_series"
)

const (
	hydroloopSource = "hydroloop"
	depthUnits      = "mm/month"
	fracUnits       = "-"

	// residentialConsumedFrac is the fraction of residential supply that
	// does not return to the basin.
	residentialConsumedFrac = 0.1
)

// Stage is one named transformation of a BasinState. Run returns
// messages describing what the stage did.
type Stage struct {
	Name string
	Run  func(ctx context.Context, s *BasinState) ([]string, error)
}

// Stages returns the hydroloop stages in the order they must run.
func Stages() []Stage {
	return []Stage{
		{StageResampleLU, ResampleLU},
		{StageSplitET, SplitET},
		{StageSplitSupply, SplitSupply},
		{StageCalcDemand, CalcDemand},
		{StageCalcReturn, CalcReturn},
		{StageResidentialSupply, CalcResidentialSupply},
		{StageCalcTotalSupply, CalcTotalSupply},
		{StageCalcFraction, CalcFraction},
		{StageCalcTimeSeries, CalcTimeSeries},
	}
}

func stageIndex(name string) int {
	for i, st := range Stages() {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// begin checks that the stage before stage has completed and that every
// key in keys is present.
func (s *BasinState) begin(stage string, keys ...VarKey) error {
	if i := stageIndex(stage); i > 0 {
		prev := Stages()[i-1].Name
		if !s.done(prev) {
			return &StageOrderError{Stage: stage, Missing: prev}
		}
	}
	for _, k := range keys {
		if _, ok := s.TSData[k]; !ok {
			return &StageOrderError{Stage: stage, Missing: string(k)}
		}
	}
	return nil
}

func (s *BasinState) finish(stage string) {
	if !s.done(stage) {
		s.completed = append(s.completed, stage)
	}
}

// stageOutput is a variable written by a stage.
type stageOutput struct {
	key   VarKey
	units string
}

// OutputPath returns the path of the hydroloop file for key.
func (s *BasinState) OutputPath(key VarKey) string {
	return filepath.Join(s.Meta.OutputDir, fmt.Sprintf("%s_%s_%s.nc", s.Meta.Name, key, hydroloopSource))
}

// writeStage applies f to every pixel of inputs and stores the results
// as the variables in outputs.
func (s *BasinState) writeStage(ctx context.Context, stage string, inputs []*GriddedVariable, outputs []stageOutput, f pixelFunc) error {
	if err := os.MkdirAll(s.Meta.OutputDir, 0755); err != nil {
		return &DataAccessError{Path: s.Meta.OutputDir, Err: err}
	}
	ref := s.Reference()
	paths := make([]string, len(outputs))
	tmpls := make([]*GriddedVariable, len(outputs))
	for n, o := range outputs {
		paths[n] = s.OutputPath(o.key)
		t := ref.Like(string(o.key), o.units)
		t.Source = hydroloopSource
		t.Chunks = s.Meta.Chunks
		tmpls[n] = t
	}
	writers, err := createAll(paths, tmpls)
	if err != nil {
		return &StageError{Stage: stage, Key: outputs[0].key, Err: err}
	}
	if err := mapPixels(ctx, s.Meta.Chunks, len(ref.Time), inputs, writers, f); err != nil {
		abortAll(writers)
		return &StageError{Stage: stage, Key: outputs[0].key, Err: err}
	}
	vars, err := closeAll(writers)
	if err != nil {
		return &StageError{Stage: stage, Key: outputs[0].key, Err: err}
	}
	for n, o := range outputs {
		s.TSData[o.key] = vars[n]
	}
	return nil
}

// constant returns an in-memory static raster on the basin grid filled
// with v.
func (s *BasinState) constant(name string, v float64) *GriddedVariable {
	ref := s.Reference()
	data := sparse.ZerosDense(1, len(ref.Lat), len(ref.Lon))
	for i := range data.Elements {
		data.Elements[i] = v
	}
	c, _ := NewGriddedVariable(name, "-", ref.Time[:1], ref.Lat, ref.Lon, data)
	c.Chunks = s.Meta.Chunks
	return c
}

// staticOr returns the static raster called name, or a raster filled
// with def if none is configured. The message reports a substitution.
func (s *BasinState) staticOr(ctx context.Context, name string, def float64) (*GriddedVariable, string, error) {
	v, err := s.Static(ctx, name)
	if err != nil {
		return nil, "", err
	}
	if v == nil {
		return s.constant(name, def), fmt.Sprintf("no %s raster configured; using %g", name, def), nil
	}
	return v, "", nil
}

// ResampleLU matches every month of the basin to the nearest land use
// time step and writes the result as LUmonthly.
func ResampleLU(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageResampleLU, VarLU); err != nil {
		return nil, err
	}
	lu := s.TSData[VarLU]
	if len(s.luSteps) != len(s.Reference().Time) {
		return nil, &StageError{Stage: StageResampleLU, Key: VarLU,
			Err: fmt.Errorf("land use steps not initialized")}
	}
	if err := os.MkdirAll(s.Meta.OutputDir, 0755); err != nil {
		return nil, &DataAccessError{Path: s.Meta.OutputDir, Err: err}
	}
	tmpl := s.Reference().Like(string(VarLUMonthly), "None")
	tmpl.Source = hydroloopSource
	tmpl.Chunks = s.Meta.Chunks
	tmpl.DType = Int16
	w, err := Create(s.OutputPath(VarLUMonthly), tmpl)
	if err != nil {
		return nil, &StageError{Stage: StageResampleLU, Key: VarLUMonthly, Err: err}
	}
	nt, ny, nx := tmpl.Shape()
	for _, win := range s.Meta.Chunks.Windows(ny, nx) {
		for t0 := 0; t0 < nt; t0 += s.Meta.Chunks[0] {
			t1 := min(t0+s.Meta.Chunks[0], nt)
			b, err := readSteps(lu, s.luSteps[t0:t1], win)
			if err == nil {
				err = w.WriteBlock(t0, win.J0, win.I0, b)
			}
			if err != nil {
				w.Abort()
				return nil, &StageError{Stage: StageResampleLU, Key: VarLUMonthly, Err: err}
			}
		}
	}
	v, err := w.Close()
	if err != nil {
		return nil, &StageError{Stage: StageResampleLU, Key: VarLUMonthly, Err: err}
	}
	s.TSData[VarLUMonthly] = v
	s.finish(StageResampleLU)
	return []string{fmt.Sprintf("resampled %d land use maps to %d months", len(lu.Time), nt)}, nil
}

// SplitET divides actual evapotranspiration into the part supplied by
// rainfall and the incremental part supplied by withdrawals. Only
// managed water use pixels have incremental ET.
func SplitET(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageSplitET, VarET, VarETG, VarLUMonthly); err != nil {
		return nil, err
	}
	in := []*GriddedVariable{s.TSData[VarET], s.TSData[VarETG], s.TSData[VarLUMonthly]}
	err := s.writeStage(ctx, StageSplitET, in,
		[]stageOutput{{VarETRain, depthUnits}, {VarETIncr, depthUnits}},
		func(_, _, _ int, in, out []float64) {
			et, etg := in[0], in[1]
			if c, ok := Category(in[2]); ok && c == Managed {
				out[0] = math.Min(etg, et)
				out[1] = et - out[0]
				return
			}
			out[0], out[1] = et, 0
			if math.IsNaN(et) {
				out[1] = math.NaN()
			}
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageSplitET)
	return nil, nil
}

// fraction interprets v as a fraction, accepting percentages.
func fraction(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	if v > 1 {
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

// SplitSupply divides the withdrawals that supply incremental ET into
// surface water and groundwater using the AEISW raster.
func SplitSupply(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageSplitSupply, VarSupply, VarETIncr); err != nil {
		return nil, err
	}
	aeisw, msg, err := s.staticOr(ctx, "aeisw", 0)
	if err != nil {
		return nil, &StageError{Stage: StageSplitSupply, Key: "aeisw", Err: err}
	}
	in := []*GriddedVariable{s.TSData[VarSupply], s.TSData[VarETIncr], aeisw}
	err = s.writeStage(ctx, StageSplitSupply, in,
		[]stageOutput{{VarSupplySW, depthUnits}, {VarSupplyGW, depthUnits}},
		func(_, _, _ int, in, out []float64) {
			supply, etincr := in[0], in[1]
			if math.IsNaN(supply) || math.IsNaN(etincr) {
				out[0], out[1] = math.NaN(), math.NaN()
				return
			}
			if !(etincr > 0) {
				supply = 0
			}
			fsw := fraction(in[2])
			if math.IsNaN(fsw) {
				fsw = 0
			}
			out[0] = fsw * supply
			out[1] = (1 - fsw) * supply
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageSplitSupply)
	return messages(msg), nil
}

// CalcDemand computes the water demand of managed water use pixels as the
// ET deficit not met by rainfall, scaled by the consumed fraction of
// the land use class, and the part of it not met by supply.
func CalcDemand(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageCalcDemand, VarETref, VarETRain, VarLUMonthly, VarSupplySW, VarSupplyGW); err != nil {
		return nil, err
	}
	table := calibrationTables[s.Meta.RootDepthVersion]
	in := []*GriddedVariable{s.TSData[VarETref], s.TSData[VarETRain], s.TSData[VarLUMonthly],
		s.TSData[VarSupplySW], s.TSData[VarSupplyGW]}
	err := s.writeStage(ctx, StageCalcDemand, in,
		[]stageOutput{{VarDemand, depthUnits}, {VarUnmetDemand, depthUnits}},
		func(_, _, _ int, in, out []float64) {
			etref, etrain, lu, sw, gw := in[0], in[1], in[2], in[3], in[4]
			demand := 0.0
			if math.IsNaN(etref) || math.IsNaN(etrain) {
				demand = math.NaN()
			} else if c, ok := Category(lu); ok && c == Managed {
				_, consumed, _ := table.lookup(lu)
				demand = math.Max(etref-etrain, 0) / consumed
			}
			out[0] = demand
			out[1] = math.Max(demand-sw-gw, 0)
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageCalcDemand)
	return nil, nil
}

// CalcReturn computes the return flows as a fixed fraction of the supply
// not consumed by incremental ET, split between surface water and
// groundwater in proportion to their supply.
func CalcReturn(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageCalcReturn, VarSupplySW, VarSupplyGW, VarETIncr); err != nil {
		return nil, err
	}
	f := s.Meta.ReturnFraction
	in := []*GriddedVariable{s.TSData[VarSupplySW], s.TSData[VarSupplyGW], s.TSData[VarETIncr]}
	err := s.writeStage(ctx, StageCalcReturn, in,
		[]stageOutput{{VarReturnSW, depthUnits}, {VarReturnGW, depthUnits}},
		func(_, _, _ int, in, out []float64) {
			sw, gw, etincr := in[0], in[1], in[2]
			total := sw + gw
			r := f * math.Max(total-etincr, 0)
			switch {
			case math.IsNaN(r):
				out[0], out[1] = math.NaN(), math.NaN()
			case total > 0:
				out[0], out[1] = r*sw/total, r*gw/total
			default:
				out[0], out[1] = 0, 0
			}
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageCalcReturn)
	return nil, nil
}

// litresToMM returns, for every row of the basin grid, the depth in mm
// of one litre spread over a cell.
func (s *BasinState) litresToMM() ([]float64, error) {
	areas, err := s.rowAreas()
	if err != nil {
		return nil, err
	}
	litre := unit.New(1e-3, unit.Meter3)
	f := make([]float64, len(areas))
	for j, a := range areas {
		d := unit.Div(litre, unit.New(a, unit.Meter2))
		if err := d.Check(unit.Meter); err != nil {
			return nil, err
		}
		f[j] = d.Value() * 1000
	}
	return f, nil
}

// CalcResidentialSupply computes the residential supply from the
// population of each cell, the per capita demand and the fraction of
// the population with access to piped water, and adds the
// non-consumed part of it to the total return flow.
func CalcResidentialSupply(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageResidentialSupply, VarReturnSW, VarReturnGW); err != nil {
		return nil, err
	}
	var msgs []string
	pop, msg, err := s.staticOr(ctx, "population", 0)
	if err != nil {
		return nil, &StageError{Stage: StageResidentialSupply, Key: "population", Err: err}
	}
	msgs = append(msgs, messages(msg)...)
	wpl, msg, err := s.staticOr(ctx, "wpl", 1)
	if err != nil {
		return nil, &StageError{Stage: StageResidentialSupply, Key: "wpl", Err: err}
	}
	msgs = append(msgs, messages(msg)...)
	toMM, err := s.litresToMM()
	if err != nil {
		return nil, &StageError{Stage: StageResidentialSupply, Key: VarResidentialSupply, Err: err}
	}
	times := s.Reference().Time
	lpcd := s.Meta.LPCD
	in := []*GriddedVariable{s.TSData[VarReturnSW], s.TSData[VarReturnGW], pop, wpl}
	err = s.writeStage(ctx, StageResidentialSupply, in,
		[]stageOutput{{VarResidentialSupply, depthUnits}, {VarReturnTotal, depthUnits}},
		func(t, j, _ int, in, out []float64) {
			p, access := in[2], fraction(in[3])
			if math.IsNaN(p) || p < 0 {
				p = 0
			}
			if math.IsNaN(access) {
				access = 1
			}
			res := p * lpcd * float64(daysInMonth(times[t])) * access * toMM[j]
			out[0] = res
			out[1] = in[0] + in[1] + (1-residentialConsumedFrac)*res
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageResidentialSupply)
	return msgs, nil
}

// CalcTotalSupply sums surface water, groundwater and residential supply.
func CalcTotalSupply(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageCalcTotalSupply, VarSupplySW, VarSupplyGW, VarResidentialSupply); err != nil {
		return nil, err
	}
	in := []*GriddedVariable{s.TSData[VarSupplySW], s.TSData[VarSupplyGW], s.TSData[VarResidentialSupply]}
	err := s.writeStage(ctx, StageCalcTotalSupply, in,
		[]stageOutput{{VarSupplyTotal, depthUnits}},
		func(_, _, _ int, in, out []float64) {
			out[0] = in[0] + in[1] + in[2]
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageCalcTotalSupply)
	return nil, nil
}

// CalcFraction computes the share of total supply from each source and
// the fraction of total supply that is consumed. All fractions are zero
// where there is no supply.
func CalcFraction(ctx context.Context, s *BasinState) ([]string, error) {
	if err := s.begin(StageCalcFraction, VarSupplySW, VarSupplyGW, VarResidentialSupply, VarSupplyTotal, VarReturnTotal); err != nil {
		return nil, err
	}
	in := []*GriddedVariable{s.TSData[VarSupplySW], s.TSData[VarSupplyGW], s.TSData[VarResidentialSupply],
		s.TSData[VarSupplyTotal], s.TSData[VarReturnTotal]}
	err := s.writeStage(ctx, StageCalcFraction, in,
		[]stageOutput{{VarFracSW, fracUnits}, {VarFracGW, fracUnits}, {VarFracResidential, fracUnits}, {VarConsumedFraction, fracUnits}},
		func(_, _, _ int, in, out []float64) {
			total := in[3]
			switch {
			case math.IsNaN(total):
				for o := range out {
					out[o] = math.NaN()
				}
			case total == 0:
				for o := range out {
					out[o] = 0
				}
			default:
				out[0], out[1], out[2] = in[0]/total, in[1]/total, in[2]/total
				out[3] = (total - in[4]) / total
			}
		})
	if err != nil {
		return nil, err
	}
	s.finish(StageCalcFraction)
	return nil, nil
}

func messages(m ...string) []string {
	var o []string
	for _, s := range m {
		if s != "" {
			o = append(o, s)
		}
	}
	return o
}

// ErrAborted is returned by Pipeline.Run when the caller requested an
// abort.
var ErrAborted = errors.New("waplus: run aborted")

// Control lets the caller stop a pipeline between stages and follow its
// progress. The zero value never aborts and reports nothing.
type Control struct {
	Aborted  func() bool
	Progress ProgressFunc
}

// Pipeline runs hydroloop stages in order.
type Pipeline struct {
	stages []Stage
}

// NewPipeline returns a pipeline of all hydroloop stages.
func NewPipeline() *Pipeline { return &Pipeline{stages: Stages()} }

// Run runs every stage that has not yet completed on s. Abort requests
// and context cancellation are checked between stages only. Outputs of
// completed stages are kept when a later stage fails.
func (p *Pipeline) Run(ctx context.Context, s *BasinState, ctl Control) error {
	for i, st := range p.stages {
		if s.done(st.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if ctl.Aborted != nil && ctl.Aborted() {
			s.log.WithField("stage", st.Name).Warn("aborted")
			return ErrAborted
		}
		s.log.WithField("stage", st.Name).Info("starting stage")
		msgs, err := st.Run(ctx, s)
		if err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				err = &StageError{Stage: st.Name, Err: err}
			}
			return err
		}
		for _, m := range msgs {
			s.log.WithFields(logrus.Fields{"stage": st.Name}).Info(m)
		}
		if ctl.Progress != nil {
			ctl.Progress(i+1, len(p.stages), st.Name)
		}
	}
	if s.Meta.Cleanup {
		return Cleanup(s)
	}
	return nil
}

// intermediateKeys are removed by Cleanup.
var intermediateKeys = []VarKey{VarLUMonthly, VarETIncr, VarETRain}

// Cleanup removes the intermediate hydroloop files once every stage has
// completed.
func Cleanup(s *BasinState) error {
	if !s.done(StageCalcTimeSeries) {
		return &StageOrderError{Stage: "cleanup", Missing: StageCalcTimeSeries}
	}
	for _, k := range intermediateKeys {
		v, ok := s.TSData[k]
		if !ok || v.Path() == "" {
			continue
		}
		if err := os.Remove(v.Path()); err != nil && !os.IsNotExist(err) {
			return &DataAccessError{Path: v.Path(), Err: err}
		}
		delete(s.TSData, k)
		s.log.WithField("file", v.Path()).Debug("removed intermediate file")
	}
	return nil
}
