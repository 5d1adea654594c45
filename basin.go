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
	"os"
	"runtime"
	"sync"

	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// StaticRasters holds the paths of the time-invariant basin rasters.
// Empty paths are allowed for rasters that are not needed.
type StaticRasters struct {
	Mask       string
	DEM        string
	AEISW      string
	Population string
	WPL        string
	EWR        string
}

func (s StaticRasters) path(name string) string {
	switch name {
	case "mask":
		return s.Mask
	case "dem":
		return s.DEM
	case "aeisw":
		return s.AEISW
	case "population":
		return s.Population
	case "wpl":
		return s.WPL
	case "ewr":
		return s.EWR
	}
	return ""
}

// BasinMetadata describes a basin and the settings of a hydroloop run.
type BasinMetadata struct {
	Name string

	// HydroYearEndMonth is the last month of the hydrological year.
	HydroYearEndMonth int

	OutputDir string
	Static    StaticRasters

	// UnitConversion converts area-weighted sums in mm·km² to the volume
	// unit of the yearly summary. The default of 1000 gives million m³.
	UnitConversion float64

	Chunks ChunkShape

	// LPCD is the residential water demand in litres per person per day.
	LPCD float64

	// ReturnFraction is the fraction of non-consumed supply that returns
	// to surface and ground water.
	ReturnFraction float64

	RootDepthVersion string

	// Expressions are evaluated for every hydrological year over the
	// yearly summary. Keys are the names of the derived quantities.
	Expressions map[string]string

	// Cleanup removes intermediate hydroloop files after a successful run.
	Cleanup bool
}

// DefaultBasinMetadata returns metadata with default settings for the
// basin called name.
func DefaultBasinMetadata(name, outputDir string) BasinMetadata {
	return BasinMetadata{
		Name:              name,
		HydroYearEndMonth: 10,
		OutputDir:         outputDir,
		UnitConversion:    1000,
		Chunks:            DefaultChunks,
		LPCD:              100,
		ReturnFraction:    0.5,
		RootDepthVersion:  "1.0",
	}
}

// Validate checks the metadata before any data is read.
func (m *BasinMetadata) Validate() error {
	if m.Name == "" {
		return &ValidationError{Field: "basin_name", Value: `""`, Reason: "should not be empty"}
	}
	if m.HydroYearEndMonth < 1 || m.HydroYearEndMonth > 12 {
		return &ValidationError{Field: "hydro_year_end_month", Value: m.HydroYearEndMonth, Reason: "should be between 1 and 12"}
	}
	if !(m.UnitConversion > 0) {
		return &ValidationError{Field: "unit_conversion", Value: m.UnitConversion, Reason: "should be >0"}
	}
	if err := m.Chunks.Validate(); err != nil {
		return err
	}
	if m.LPCD < 0 {
		return &ValidationError{Field: "lpcd", Value: m.LPCD, Reason: "should be >=0"}
	}
	if m.ReturnFraction < 0 || m.ReturnFraction > 1 {
		return &ValidationError{Field: "return_fraction", Value: m.ReturnFraction, Reason: "should be between 0 and 1"}
	}
	if _, ok := calibrationTables[m.RootDepthVersion]; !ok {
		return &ValidationError{Field: "root_depth_version", Value: m.RootDepthVersion,
			Reason: fmt.Sprintf("should be one of %v", RootDepthVersions())}
	}
	if m.OutputDir == "" {
		return &ValidationError{Field: "output_dir", Value: `""`, Reason: "should not be empty"}
	}
	return nil
}

// BasinState is the data of a basin as it moves through the hydroloop
// stages. Each stage adds its outputs to TSData. The presentation layer
// should treat a BasinState as read-only while a run is in progress.
type BasinState struct {
	Meta BasinMetadata

	// TSData holds the monthly gridded variables of the basin, all on the
	// same grid and time axis.
	TSData map[VarKey]*GriddedVariable

	Tables Tables

	// Summary is the yearly basin summary computed by the last stage.
	Summary *Summary

	completed []string

	// luSteps maps each time step of the basin to a LU time step.
	luSteps []int

	log logrus.FieldLogger

	staticCache *requestcache.Cache

	areaOnce sync.Once
	areas    []float64
	areaErr  error
}

// Completed returns the names of the stages that have completed, in order.
func (s *BasinState) Completed() []string {
	return append([]string(nil), s.completed...)
}

func (s *BasinState) done(stage string) bool {
	for _, c := range s.completed {
		if c == stage {
			return true
		}
	}
	return false
}

// Reference returns the variable that defines the grid and time axis of
// the basin.
func (s *BasinState) Reference() *GriddedVariable { return s.TSData[VarSupply] }

var (
	hydroloopRequired = []VarKey{VarP, VarET, VarETref, VarI, VarNRD, VarLU, VarSRO, VarPERC, VarBF, VarSupply, VarETB, VarETG}
	hydroloopOptional = []VarKey{VarLAI, VarProbaV, VarISRO, VarDPERC}
)

// InitializeHydroloop validates meta, opens the inputs in m and checks that
// they are aligned. The time axis of the basin is that of the soil
// moisture balance outputs; longer monthly inputs are restricted to it.
// tables may be nil.
func InitializeHydroloop(ctx context.Context, meta BasinMetadata, m *Manifest, tables Tables, log logrus.FieldLogger) (*BasinState, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if err := m.Require(hydroloopRequired...); err != nil {
		return nil, err
	}
	if tables == nil {
		tables = make(Tables)
	}
	s := &BasinState{
		Meta:   meta,
		TSData: make(map[VarKey]*GriddedVariable),
		Tables: tables,
		log:    log.WithField("basin", meta.Name),
	}
	keys := append([]VarKey(nil), hydroloopRequired...)
	for _, k := range hydroloopOptional {
		if _, ok := m.Path(k); ok {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		path, _ := m.Path(k)
		if _, err := os.Stat(path); err != nil {
			return nil, &MissingInputError{Key: k, Path: path}
		}
		v, err := Open(path, meta.Chunks)
		if err != nil {
			return nil, err
		}
		s.TSData[k] = v
	}

	ref := s.Reference()
	if !isMonthly(ref.Time) {
		return nil, &AlignmentError{Var: string(VarSupply), Ref: "monthly axis", Reason: "time steps are not consecutive months"}
	}
	for k, v := range s.TSData {
		if err := CheckGrid(v, ref); err != nil {
			return nil, err
		}
		if k == VarLU || v.Static() {
			continue
		}
		if k == VarNRD && !isMonthly(v.Time) {
			return nil, &AlignmentError{Var: string(k), Ref: string(VarSupply),
				Reason: "rainy days must be monthly; use the preprocessed NRD"}
		}
		sub, err := v.Subset(ref.Time)
		if err != nil {
			return nil, err
		}
		s.TSData[k] = sub
	}
	lu := s.TSData[VarLU]
	if len(lu.Time) < 1 {
		return nil, &AlignmentError{Var: string(VarLU), Ref: string(VarSupply), Reason: "no time steps"}
	}
	if !lu.Static() && isMonthly(lu.Time) {
		if sub, err := lu.Subset(ref.Time); err == nil {
			lu = sub
			s.TSData[VarLU] = sub
		}
	}
	var err error
	if s.luSteps, err = landUseSteps(lu, ref); err != nil {
		return nil, err
	}

	s.staticCache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
		return s.loadStatic(request.(string))
	}, runtime.GOMAXPROCS(-1), requestcache.Deduplicate(), requestcache.Memory(len(staticNames)))

	s.log.WithFields(logrus.Fields{
		"months": len(ref.Time), "start": ref.Time[0].Format("2006-01"),
		"end": ref.Time[len(ref.Time)-1].Format("2006-01"), "variables": len(s.TSData),
	}).Info("initialized hydroloop")
	return s, nil
}

var staticNames = []string{"mask", "dem", "aeisw", "population", "wpl", "ewr"}

// Static returns the static raster called name ("mask", "dem", "aeisw",
// "population", "wpl" or "ewr"), read into memory on first use. A nil
// variable and nil error are returned when no path is configured.
func (s *BasinState) Static(ctx context.Context, name string) (*GriddedVariable, error) {
	known := false
	for _, n := range staticNames {
		known = known || n == name
	}
	if !known {
		return nil, &ValidationError{Field: "static", Value: name, Reason: fmt.Sprintf("should be one of %v", staticNames)}
	}
	if s.Meta.Static.path(name) == "" {
		return nil, nil
	}
	r, err := s.staticCache.NewRequest(ctx, name, name).Result()
	if err != nil {
		return nil, err
	}
	return r.(*GriddedVariable), nil
}

func (s *BasinState) loadStatic(name string) (*GriddedVariable, error) {
	path := s.Meta.Static.path(name)
	ref := s.Reference()
	var v *GriddedVariable
	var err error
	if name == "mask" {
		v, err = LoadMask(path, ref)
	} else {
		if _, serr := os.Stat(path); serr != nil {
			return nil, &MissingInputError{Key: VarKey(name), Path: path}
		}
		if v, err = Open(path, s.Meta.Chunks); err == nil {
			err = CheckGrid(v, ref)
		}
	}
	if err != nil {
		return nil, err
	}
	if !v.Static() {
		return nil, &AlignmentError{Var: name, Ref: "static raster", Reason: fmt.Sprintf("has %d time steps", len(v.Time))}
	}
	_, ny, nx := v.Shape()
	data := sparse.ZerosDense(1, ny, nx)
	for _, w := range s.Meta.Chunks.Windows(ny, nx) {
		b, err := v.Block(0, 1, w)
		if err != nil {
			return nil, err
		}
		bnx := w.I1 - w.I0
		for j := w.J0; j < w.J1; j++ {
			copy(data.Elements[j*nx+w.I0:j*nx+w.I1], b.Elements[(j-w.J0)*bnx:(j-w.J0+1)*bnx])
		}
	}
	mem, err := NewGriddedVariable(name, v.Units, v.Time, v.Lat, v.Lon, data)
	if err != nil {
		return nil, err
	}
	mem.Chunks = s.Meta.Chunks
	s.log.WithField("raster", name).Debug("loaded static raster")
	return mem, nil
}

// rowAreas returns the cell area in m² of every row of the basin grid.
func (s *BasinState) rowAreas() ([]float64, error) {
	s.areaOnce.Do(func() {
		ref := s.Reference()
		s.areas, s.areaErr = RowAreas(ref.Lat, ref.Lon, ref.Res)
	})
	return s.areas, s.areaErr
}
