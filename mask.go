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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// LoadMask returns the basin mask on the grid of ref. path is either a
// NetCDF raster, where cells with positive values are inside the basin,
// or a polygon shapefile, which is rasterized by testing each cell
// centre against the basin polygons.
func LoadMask(path string, ref *GriddedVariable) (*GriddedVariable, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &MissingInputError{Key: "mask", Path: path}
	}
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return rasterizeShapefile(path, ref)
	}
	m, err := Open(path, ref.Chunks)
	if err != nil {
		return nil, err
	}
	if err := CheckGrid(m, ref); err != nil {
		return nil, err
	}
	return m, nil
}

func rasterizeShapefile(path string, ref *GriddedVariable) (*GriddedVariable, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	defer d.Close()

	var ct proj.Transformer
	if sr, err := d.SR(); err == nil {
		ll, err := proj.Parse("+proj=longlat")
		if err != nil {
			panic(err)
		}
		if ct, err = sr.NewTransform(ll); err != nil {
			return nil, &DataAccessError{Path: path, Err: fmt.Errorf("creating transform: %w", err)}
		}
	}

	var polys []geom.Polygonal
	for {
		g, _, more := d.DecodeRowFields()
		if !more {
			break
		}
		if ct != nil {
			if g, err = g.Transform(ct); err != nil {
				return nil, &DataAccessError{Path: path, Err: err}
			}
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, &DataAccessError{Path: path, Err: fmt.Errorf("shape of type %T is not a polygon", g)}
		}
		polys = append(polys, p)
	}
	if err := d.Error(); err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	if len(polys) == 0 {
		return nil, &DataAccessError{Path: path, Err: fmt.Errorf("no basin polygons")}
	}

	_, ny, nx := ref.Shape()
	data := sparse.ZerosDense(1, ny, nx)
	for j, lat := range ref.Lat {
		for i, lon := range ref.Lon {
			v := math.NaN()
			pt := geom.Point{X: lon, Y: lat}
			for _, p := range polys {
				if pt.Within(p) != geom.Outside {
					v = 1
					break
				}
			}
			data.Set(v, 0, j, i)
		}
	}
	m, err := NewGriddedVariable("mask", "None", ref.Time[:1], ref.Lat, ref.Lon, data)
	if err != nil {
		return nil, err
	}
	m.Chunks = ref.Chunks
	return m, nil
}

// inMask reports whether a mask value marks a cell inside the basin.
func inMask(v float64) bool { return !math.IsNaN(v) && v > 0 }
