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

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Params are the calibration parameters of the soil moisture balance.
type Params struct {
	FPerc     float64 // fraction of surplus that percolates
	FSmax     float64 // fraction of the saturated root zone available for storage
	CF        float64 // storage correction factor of the runoff equation
	FBf       float64 // fraction of percolation feeding baseflow
	DeepPercF float64 // fraction of percolation leaving as deep percolation

	RootDepthVersion string
}

// DefaultParams returns the default calibration.
func DefaultParams() Params {
	return Params{
		FPerc:            0.9,
		FSmax:            0.818,
		CF:               50,
		FBf:              0.095,
		DeepPercF:        0.905,
		RootDepthVersion: "1.0",
	}
}

// Validate checks that the parameters are in range.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"f_perc", p.FPerc}, {"f_Smax", p.FSmax}, {"f_bf", p.FBf}, {"deep_perc_f", p.DeepPercF}} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return &ValidationError{Field: f.name, Value: f.v, Reason: "should be between 0 and 1"}
		}
	}
	if !(p.CF > 0) {
		return &ValidationError{Field: "cf", Value: p.CF, Reason: "should be >0"}
	}
	if _, ok := calibrationTables[p.RootDepthVersion]; !ok {
		return &ValidationError{Field: "root_depth_version", Value: p.RootDepthVersion,
			Reason: fmt.Sprintf("should be one of %v", RootDepthVersions())}
	}
	return nil
}

// InitialCondition selects the soil moisture at the start of a run.
type InitialCondition string

// Initial conditions.
const (
	// InitialAridity starts at the storage capacity scaled by the aridity
	// index, clamped to [0,1].
	InitialAridity InitialCondition = "aridity"
	// InitialDry starts with empty storage.
	InitialDry InitialCondition = "dry"
)

// MonthlySoilState is the state of one pixel carried from one month to
// the next.
type MonthlySoilState struct {
	SM       float64 // stored soil moisture [mm]
	CumDPERC float64 // cumulative deep percolation [mm]
	CumBF    float64 // cumulative baseflow contribution [mm]

	// Masked pixels are excluded from the computation for the rest of
	// the run.
	Masked bool
}

// Forcing holds the monthly inputs of one pixel [mm/month, days].
type Forcing struct {
	P, I, ET, NRD float64
}

// Fluxes are the monthly results for one pixel [mm/month].
type Fluxes struct {
	SM     float64 // stored soil moisture at the end of the month
	SRO    float64 // surface runoff
	ISRO   float64 // part of SRO from storage overflow
	PERC   float64 // percolation
	DPERC  float64 // deep percolation
	BF     float64 // baseflow-feeding percolation
	ETG    float64 // ET met from precipitation (green water)
	ETB    float64 // ET in excess of green water (blue water)
	Supply float64 // withdrawals needed to sustain ETB
}

func nanFluxes() Fluxes {
	n := math.NaN()
	return Fluxes{n, n, n, n, n, n, n, n, n}
}

// Step advances s by one month with forcing f, storage capacity [mm] and
// consumed fraction of supply, and returns the month's fluxes. Stored
// soil moisture stays within [0, capacity].
func (p Params) Step(s *MonthlySoilState, f Forcing, capacity, consumed float64) Fluxes {
	pe := math.Max(f.P-f.I, 0)
	var sro float64
	if pe > 0 && f.NRD > 0 {
		d := pe / f.NRD
		sro = d * d / (d + p.CF*math.Max(capacity-s.SM, 0)) * f.NRD
	}
	w := s.SM + pe - sro
	et := math.Max(f.ET, 0)
	etg := math.Min(et, w)
	w -= etg
	var excess float64
	if w > capacity {
		excess = w - capacity
		w = capacity
	}
	perc := p.FPerc * excess
	fl := Fluxes{
		SM:     w,
		ISRO:   excess - perc,
		PERC:   perc,
		DPERC:  p.DeepPercF * perc,
		BF:     p.FBf * perc,
		ETG:    etg,
		ETB:    et - etg,
		Supply: (et - etg) / consumed,
	}
	fl.SRO = sro + fl.ISRO
	s.SM = w
	s.CumDPERC += fl.DPERC
	s.CumBF += fl.BF
	return fl
}

func (fl Fluxes) finite() bool {
	for _, v := range [...]float64{fl.SM, fl.SRO, fl.PERC, fl.DPERC, fl.BF, fl.ETG, fl.ETB, fl.Supply} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// smOutputs are the variables written by the soil moisture balance, in
// the order of the fields of Fluxes.
var smOutputs = []struct {
	key   VarKey
	units string
	get   func(Fluxes) float64
}{
	{VarSM, "mm", func(f Fluxes) float64 { return f.SM }},
	{VarSRO, "mm/month", func(f Fluxes) float64 { return f.SRO }},
	{VarISRO, "mm/month", func(f Fluxes) float64 { return f.ISRO }},
	{VarPERC, "mm/month", func(f Fluxes) float64 { return f.PERC }},
	{VarDPERC, "mm/month", func(f Fluxes) float64 { return f.DPERC }},
	{VarBF, "mm/month", func(f Fluxes) float64 { return f.BF }},
	{VarETG, "mm/month", func(f Fluxes) float64 { return f.ETG }},
	{VarETB, "mm/month", func(f Fluxes) float64 { return f.ETB }},
	{VarSupply, "mm/month", func(f Fluxes) float64 { return f.Supply }},
}

// SMBalanceConfig configures a soil moisture balance run.
type SMBalanceConfig struct {
	Params

	// StartYear and EndYear bound the simulated months, inclusive.
	StartYear, EndYear int

	Chunks    ChunkShape
	BasinName string
	OutputDir string

	// Mask is an optional basin mask raster or shapefile.
	Mask    string
	Initial InitialCondition

	Log      logrus.FieldLogger
	Progress ProgressFunc
}

// Validate checks c for out-of-range values.
func (c *SMBalanceConfig) Validate() error {
	if c.StartYear > c.EndYear {
		return &ValidationError{Field: "start_year", Value: c.StartYear,
			Reason: fmt.Sprintf("should not be after end_year=%d", c.EndYear)}
	}
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if err := c.Chunks.Validate(); err != nil {
		return err
	}
	switch c.Initial {
	case InitialAridity, InitialDry, "":
	default:
		return &ValidationError{Field: "initial_condition", Value: c.Initial, Reason: "should be aridity or dry"}
	}
	if c.BasinName == "" {
		return &ValidationError{Field: "basin_name", Value: `""`, Reason: "should not be empty"}
	}
	return nil
}

// SMBalanceResult holds the outputs of a soil moisture balance run.
type SMBalanceResult struct {
	Outputs map[VarKey]*GriddedVariable

	// CumDPERC and CumBF are the cumulative deep percolation and baseflow
	// contribution [mm] at the end of the run, with shape [ny, nx].
	CumDPERC, CumBF *sparse.DenseArray
}

// smInputs are the variables read by the soil moisture balance.
type smInputs struct {
	p, et, i, nrd, lu, smsat, ari, mask *GriddedVariable

	// luSteps maps each monthly time step to a land use time step.
	luSteps []int
	// t0 and t1 bound the simulated time steps.
	t0, t1 int
}

func openSMInputs(ctx context.Context, cfg *SMBalanceConfig, m *Manifest) (*smInputs, error) {
	keys := []VarKey{VarP, VarET, VarI, VarNRD, VarLU, VarSMsat, VarAri}
	if err := m.Require(keys...); err != nil {
		return nil, err
	}
	vars := make([]*GriddedVariable, len(keys))
	g, _ := errgroup.WithContext(ctx)
	for n, k := range keys {
		n, k := n, k
		g.Go(func() error {
			path, _ := m.Path(k)
			if _, err := os.Stat(path); err != nil {
				return &MissingInputError{Key: k, Path: path}
			}
			v, err := Open(path, cfg.Chunks)
			vars[n] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	in := &smInputs{p: vars[0], et: vars[1], i: vars[2], nrd: vars[3], lu: vars[4], smsat: vars[5], ari: vars[6]}
	for _, v := range vars[1:] {
		if err := CheckGrid(v, in.p); err != nil {
			return nil, err
		}
	}
	for _, v := range []*GriddedVariable{in.et, in.i, in.nrd} {
		if err := CheckMonthly(v, in.p); err != nil {
			return nil, err
		}
	}
	for _, v := range []*GriddedVariable{in.smsat, in.ari} {
		if !v.Static() {
			if err := CheckMonthly(v, in.p); err != nil {
				return nil, err
			}
		}
	}
	var err error
	if in.luSteps, err = landUseSteps(in.lu, in.p); err != nil {
		return nil, err
	}

	in.t0, in.t1 = -1, -1
	for t, tt := range in.p.Time {
		if y := tt.Year(); y >= cfg.StartYear && y <= cfg.EndYear {
			if in.t0 < 0 {
				in.t0 = t
			}
			in.t1 = t + 1
		}
	}
	if in.t0 < 0 {
		return nil, &ValidationError{Field: "start_year-end_year",
			Value:  fmt.Sprintf("%d-%d", cfg.StartYear, cfg.EndYear),
			Reason: "contains none of the input months"}
	}
	if cfg.Mask != "" {
		if in.mask, err = LoadMask(cfg.Mask, in.p); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// landUseSteps returns, for every time step of ref, the time step of lu
// to use. Static land use maps to its only step, monthly land use maps
// one to one and annual maps are matched to the nearest time.
func landUseSteps(lu, ref *GriddedVariable) ([]int, error) {
	steps := make([]int, len(ref.Time))
	switch {
	case lu.Static():
	case len(lu.Time) == len(ref.Time):
		if err := CheckMonthly(lu, ref); err != nil {
			return nil, err
		}
		for t := range steps {
			steps[t] = t
		}
	default:
		seen := make(map[int]bool)
		for _, t := range lu.Time {
			if seen[t.Year()] {
				return nil, &AlignmentError{Var: lu.Name, Ref: ref.Name,
					Reason: fmt.Sprintf("%d time steps are neither static, annual nor monthly", len(lu.Time))}
			}
			seen[t.Year()] = true
		}
		steps = nearestIndex(lu.Time, ref.Time)
	}
	return steps, nil
}

// RunSMBalance runs the monthly soil moisture balance for every pixel of
// the inputs in m and writes one file per output variable to
// cfg.OutputDir. Inputs are processed in spatial blocks no larger than
// cfg.Chunks; results do not depend on the block size.
func RunSMBalance(ctx context.Context, cfg SMBalanceConfig, m *Manifest) (*SMBalanceResult, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Initial == "" {
		cfg.Initial = InitialAridity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in, err := openSMInputs(ctx, &cfg, m)
	if err != nil {
		return nil, err
	}
	table := calibrationTables[cfg.RootDepthVersion]
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, &DataAccessError{Path: cfg.OutputDir, Err: err}
	}

	times := in.p.Time[in.t0:in.t1]
	paths := make([]string, len(smOutputs))
	tmpls := make([]*GriddedVariable, len(smOutputs))
	for n, o := range smOutputs {
		paths[n] = filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%s_smbalance.nc", cfg.BasinName, o.key))
		t := in.p.Like(string(o.key), o.units)
		t.Time = times
		t.Chunks = cfg.Chunks
		t.Source = "smbalance"
		tmpls[n] = t
	}
	writers, err := createAll(paths, tmpls)
	if err != nil {
		return nil, err
	}

	_, ny, nx := in.p.Shape()
	res := &SMBalanceResult{
		Outputs:  make(map[VarKey]*GriddedVariable),
		CumDPERC: sparse.ZerosDense(ny, nx),
		CumBF:    sparse.ZerosDense(ny, nx),
	}
	windows := cfg.Chunks.Windows(ny, nx)
	cfg.Log.WithFields(logrus.Fields{
		"months": len(times), "ny": ny, "nx": nx, "blocks": len(windows),
	}).Info("running soil moisture balance")

	for wi, w := range windows {
		if err := runSMBlock(ctx, &cfg, in, table, w, writers, res); err != nil {
			abortAll(writers)
			return nil, err
		}
		if cfg.Progress != nil {
			cfg.Progress(wi+1, len(windows), fmt.Sprintf("soil moisture balance block %d of %d", wi+1, len(windows)))
		}
	}
	vars, err := closeAll(writers)
	if err != nil {
		return nil, err
	}
	for n, o := range smOutputs {
		res.Outputs[o.key] = vars[n]
	}
	return res, nil
}

// runSMBlock runs every month for the pixels in window w.
func runSMBlock(ctx context.Context, cfg *SMBalanceConfig, in *smInputs, table calibrationTable,
	w Window, writers []*GridWriter, res *SMBalanceResult) error {

	bny, bnx := w.size()
	npx := bny * bnx
	state := make([]MonthlySoilState, npx)

	first := true
	for t0 := in.t0; t0 < in.t1; t0 += cfg.Chunks[0] {
		t1 := min(t0+cfg.Chunks[0], in.t1)
		var p, et, ii, nrd, lu, smsat, ari, mask *sparse.DenseArray
		g, _ := errgroup.WithContext(ctx)
		read := func(dst **sparse.DenseArray, v *GriddedVariable, t0, t1 int) {
			g.Go(func() error {
				b, err := v.Block(t0, t1, w)
				*dst = b
				return err
			})
		}
		read(&p, in.p, t0, t1)
		read(&et, in.et, t0, t1)
		read(&ii, in.i, t0, t1)
		read(&nrd, in.nrd, t0, t1)
		read(&smsat, in.smsat, t0, t1)
		g.Go(func() error {
			var err error
			lu, err = readSteps(in.lu, in.luSteps[t0:t1], w)
			return err
		})
		if first {
			read(&ari, in.ari, in.t0, in.t0+1)
			if in.mask != nil {
				read(&mask, in.mask, 0, 1)
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}

		out := make([]*sparse.DenseArray, len(smOutputs))
		for n := range out {
			out[n] = sparse.ZerosDense(t1-t0, bny, bnx)
		}
		for k := 0; k < t1-t0; k++ {
			for px := 0; px < npx; px++ {
				e := k*npx + px
				s := &state[px]
				rootDepth, consumed, ok := table.lookup(lu.Elements[e])
				capacity := cfg.FSmax * smsat.Elements[e] * rootDepth
				if !ok || !(capacity >= 0) {
					s.Masked = true
				}
				if first && k == 0 && !s.Masked {
					if mask != nil && !inMask(mask.Elements[px]) {
						s.Masked = true
					} else {
						s.Masked = !initSoilState(s, cfg.Initial, capacity, ari.Elements[px])
					}
				}
				f := Forcing{P: p.Elements[e], I: ii.Elements[e], ET: et.Elements[e], NRD: nrd.Elements[e]}
				if math.IsNaN(f.P) || math.IsNaN(f.I) || math.IsNaN(f.ET) || math.IsNaN(f.NRD) {
					s.Masked = true
				}
				fl := nanFluxes()
				if !s.Masked {
					prev := *s
					fl = cfg.Params.Step(s, f, capacity, consumed)
					if !fl.finite() {
						*s = prev
						s.Masked = true
						fl = nanFluxes()
					}
				}
				for n, o := range smOutputs {
					out[n].Elements[e] = o.get(fl)
				}
			}
		}
		for n, wr := range writers {
			if err := wr.WriteBlock(t0-in.t0, w.J0, w.I0, out[n]); err != nil {
				return err
			}
		}
		first = false
	}

	for jj := 0; jj < bny; jj++ {
		for ii := 0; ii < bnx; ii++ {
			s := state[jj*bnx+ii]
			d, b := s.CumDPERC, s.CumBF
			if s.Masked {
				d, b = math.NaN(), math.NaN()
			}
			res.CumDPERC.Set(d, w.J0+jj, w.I0+ii)
			res.CumBF.Set(b, w.J0+jj, w.I0+ii)
		}
	}
	return nil
}

// initSoilState sets the initial storage of s. It returns false if the
// initial condition cannot be determined.
func initSoilState(s *MonthlySoilState, ic InitialCondition, capacity, aridity float64) bool {
	*s = MonthlySoilState{}
	if ic == InitialDry {
		return true
	}
	if math.IsNaN(aridity) {
		return false
	}
	s.SM = capacity * math.Max(0, math.Min(1, aridity))
	return true
}
