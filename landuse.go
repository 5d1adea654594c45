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
	"sort"

	"github.com/ctessum/sparse"
)

// LUCategory is the Water Accounting land-use category of a pixel.
type LUCategory int

// Land-use categories.
const (
	Protected LUCategory = iota + 1
	Utilized
	Modified
	Managed
)

func (c LUCategory) String() string {
	switch c {
	case Protected:
		return "PLU"
	case Utilized:
		return "ULU"
	case Modified:
		return "MLU"
	case Managed:
		return "MWU"
	}
	return fmt.Sprintf("LUCategory(%d)", int(c))
}

// Category returns the category of land-use class lu. Classes 1-7 are
// protected, 8-30 utilized, 31-62 modified and 63-80 managed water use.
func Category(lu float64) (LUCategory, bool) {
	if math.IsNaN(lu) {
		return 0, false
	}
	switch c := int(math.Round(lu)); {
	case c >= 1 && c <= 7:
		return Protected, true
	case c >= 8 && c <= 30:
		return Utilized, true
	case c >= 31 && c <= 62:
		return Modified, true
	case c >= 63 && c <= 80:
		return Managed, true
	}
	return 0, false
}

// calibrationTable holds the land-use dependent parameters of one
// calibration version.
type calibrationTable struct {
	rootDepth map[LUCategory]float64 // [mm]
	consumed  map[LUCategory]float64 // fraction of supply consumed by ET
}

var calibrationTables = map[string]calibrationTable{
	"1.0": {
		rootDepth: map[LUCategory]float64{Protected: 1000, Utilized: 800, Modified: 600, Managed: 500},
		consumed:  map[LUCategory]float64{Protected: 1, Utilized: 1, Modified: 1, Managed: 0.8},
	},
}

// RootDepthVersions returns the known calibration table versions.
func RootDepthVersions() []string {
	v := make([]string, 0, len(calibrationTables))
	for k := range calibrationTables {
		v = append(v, k)
	}
	sort.Strings(v)
	return v
}

// lookup returns the root depth and consumed fraction for land-use class
// lu. ok is false for unknown classes.
func (t calibrationTable) lookup(lu float64) (rootDepth, consumed float64, ok bool) {
	c, ok := Category(lu)
	if !ok {
		return 0, 0, false
	}
	return t.rootDepth[c], t.consumed[c], true
}

// lccToLUWA maps WaPOR land cover classes to LUWA classes. Class 0 and
// classes not listed here have no LUWA equivalent.
var lccToLUWA = map[int]float64{
	10: 10, 12: 14, 14: 15, 20: 14, 30: 16, 41: 35, 42: 59, 50: 72,
	60: 27, 61: 8, 62: 9, 70: 11, 71: 10, 72: 11, 80: 63, 81: 8, 82: 9,
	90: 75, 100: 75, 110: 15, 120: 14, 121: 14, 122: 14, 130: 16,
	140: 30, 150: 14, 151: 14, 152: 14, 153: 15, 160: 30, 170: 30,
	180: 14, 190: 72, 200: 27, 201: 27, 202: 27, 210: 63, 220: 22,
}

// protectedClasses gives the protected LUWA class of utilized classes
// inside protected areas. Other classes inside protected areas become
// class 7.
var protectedClasses = map[int]float64{
	8: 1, 9: 1, 10: 1, 11: 1,
	14: 2,
	12: 3, 13: 3,
	23: 4, 24: 4,
	30: 5, 74: 5,
}

const (
	otherProtected = 7
	reservoirClass = 63

	// lakeLCC is the land cover class that LakeToReservoir areas turn
	// into reservoirs.
	lakeLCC = 80
)

// LandCoverOverlays holds the paths of the areas used to reclassify land
// cover. Each is a NetCDF raster, where positive cells are inside, or a
// polygon shapefile. Empty paths are skipped.
type LandCoverOverlays struct {
	Protected  string // protected areas, e.g. WDPA
	Reservoirs string // reservoirs, e.g. GRaND

	// ReservoirToLake removes reservoirs and LakeToReservoir adds them
	// where the land cover is open water.
	ReservoirToLake, LakeToReservoir string
}

// luwaClass returns the LUWA class of a pixel with land cover class lcc,
// protected and reservoir flags.
func luwaClass(lcc float64, protected, reservoir bool) float64 {
	lu := math.NaN()
	if !math.IsNaN(lcc) {
		if c, ok := lccToLUWA[int(math.Round(lcc))]; ok {
			lu = c
		}
	}
	if protected && !math.IsNaN(lu) {
		if c, ok := protectedClasses[int(lu)]; ok {
			lu = c
		} else {
			lu = otherProtected
		}
	}
	if reservoir {
		lu = reservoirClass
	}
	return lu
}

// overlay returns the area at path on the grid of ref, or an empty area
// if path is empty.
func overlay(path string, ref *GriddedVariable) (*GriddedVariable, error) {
	if path != "" {
		return LoadMask(path, ref)
	}
	_, ny, nx := ref.Shape()
	data := sparse.ZerosDense(1, ny, nx)
	for i := range data.Elements {
		data.Elements[i] = math.NaN()
	}
	v, err := NewGriddedVariable("none", "None", ref.Time[:1], ref.Lat, ref.Lon, data)
	if err != nil {
		return nil, err
	}
	v.Chunks = ref.Chunks
	return v, nil
}

// ReclassifyLandCover converts WaPOR land cover classes in lcc to LUWA
// classes, applies the protected area and reservoir overlays in o and
// writes the result to out.
func ReclassifyLandCover(ctx context.Context, lcc *GriddedVariable, o LandCoverOverlays, out string) (*GriddedVariable, error) {
	inputs := []*GriddedVariable{lcc}
	for _, p := range []string{o.Protected, o.Reservoirs, o.ReservoirToLake, o.LakeToReservoir} {
		v, err := overlay(p, lcc)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, v)
	}
	tmpl := lcc.Like("LU", "None")
	tmpl.Quantity = "LUWA"
	tmpl.Source = "WaPOR"
	tmpl.DType = Int16
	w, err := Create(out, tmpl)
	if err != nil {
		return nil, err
	}
	nt, _, _ := lcc.Shape()
	err = mapPixels(ctx, lcc.Chunks, nt, inputs, []*GridWriter{w}, func(_, _, _ int, in, out []float64) {
		reservoir := inMask(in[2]) || (math.Round(in[0]) == lakeLCC && inMask(in[4]))
		if inMask(in[3]) {
			reservoir = false
		}
		out[0] = luwaClass(in[0], inMask(in[1]), reservoir)
	})
	if err != nil {
		w.Abort()
		return nil, err
	}
	return w.Close()
}
