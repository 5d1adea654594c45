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

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

// cellSpacing returns the mean absolute spacing of the cell centres in x.
func cellSpacing(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return math.Abs(x[len(x)-1]-x[0]) / float64(len(x)-1)
}

// RowAreas returns the area [m²] of one cell in each row of a regular
// latitude-longitude grid with the given cell centres and cell size.
// Unknown components of res are derived from the cell centres, and a
// grid with a single row or column is assumed to have square cells.
// Areas are calculated in an Albers equal-area projection fitted to the
// grid.
func RowAreas(lat, lon []float64, res Resolution) ([]float64, error) {
	dy, dx := res.Lat, res.Lon
	if dy <= 0 {
		dy = cellSpacing(lat)
	}
	if dx <= 0 {
		dx = cellSpacing(lon)
	}
	switch {
	case dy == 0 && dx == 0:
		return nil, fmt.Errorf("waplus: cannot determine cell size of a 1×1 grid without its resolution")
	case dy == 0:
		dy = dx
	case dx == 0:
		dx = dy
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, y := range lat {
		lo, hi = math.Min(lo, y), math.Max(hi, y)
	}
	lat1 := lo + (hi-lo)/6
	lat2 := hi - (hi-lo)/6
	if lat1 == lat2 {
		lat1, lat2 = lat1-1, lat2+1
	}
	if math.Abs(lat1+lat2) < 1e-9 {
		lat2++
	}
	lon0 := (lon[0] + lon[len(lon)-1]) / 2
	aea, err := proj.Parse(fmt.Sprintf("+proj=aea +lat_1=%g +lat_2=%g +lat_0=%g +lon_0=%g +x_0=0 +y_0=0 +ellps=WGS84 +units=m",
		lat1, lat2, (lo+hi)/2, lon0))
	if err != nil {
		return nil, fmt.Errorf("waplus: equal-area projection: %w", err)
	}
	ll, err := proj.Parse("+proj=longlat")
	if err != nil {
		panic(err)
	}
	ct, err := ll.NewTransform(aea)
	if err != nil {
		return nil, fmt.Errorf("waplus: equal-area projection: %w", err)
	}
	areas := make([]float64, len(lat))
	for j, y := range lat {
		x0, x1 := lon0-dx/2, lon0+dx/2
		y0, y1 := y-dy/2, y+dy/2
		cell := geom.Polygon{{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}}
		g, err := cell.Transform(ct)
		if err != nil {
			return nil, fmt.Errorf("waplus: projecting cell in row %d: %w", j, err)
		}
		areas[j] = g.(geom.Polygon).Area()
	}
	return areas, nil
}
