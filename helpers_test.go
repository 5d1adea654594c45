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
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/sparse"
)

func different(a, b, tolerance float64) bool {
	if 2*math.Abs(a-b)/math.Abs(a+b) > tolerance || math.IsNaN(a) || math.IsNaN(b) {
		return true
	}
	return false
}

// sameOrNaN reports whether a and b are equal or both NaN.
func sameOrNaN(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// monthsFrom returns n consecutive month starts beginning at year-month.
func monthsFrom(year int, month time.Month, n int) []time.Time {
	t := make([]time.Time, n)
	for i := range t {
		t[i] = time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// daysFrom returns n consecutive days beginning at year-month-01.
func daysFrom(year int, month time.Month, n int) []time.Time {
	t := make([]time.Time, n)
	for i := range t {
		t[i] = time.Date(year, month, 1+i, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// testCoords returns cell centres of an ny × nx grid with 0.1° spacing.
func testCoords(ny, nx int) (lat, lon []float64) {
	lat = make([]float64, ny)
	lon = make([]float64, nx)
	for j := range lat {
		lat[j] = 33.05 + 0.1*float64(j)
	}
	for i := range lon {
		lon[i] = 35.05 + 0.1*float64(i)
	}
	return lat, lon
}

// memGrid returns an in-memory variable with values f(t, j, i).
func memGrid(t *testing.T, name string, times []time.Time, ny, nx int, f func(t, j, i int) float64) *GriddedVariable {
	t.Helper()
	lat, lon := testCoords(ny, nx)
	data := sparse.ZerosDense(len(times), ny, nx)
	for k := range times {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				data.Set(f(k, j, i), k, j, i)
			}
		}
	}
	v, err := NewGriddedVariable(name, "mm/month", times, lat, lon, data)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// fileGrid writes an in-memory variable with values f(t, j, i) to dir and
// returns the re-opened file-backed variable.
func fileGrid(t *testing.T, dir, name string, times []time.Time, ny, nx int, f func(t, j, i int) float64) *GriddedVariable {
	t.Helper()
	v := memGrid(t, name, times, ny, nx, f)
	fv, err := v.Write(filepath.Join(dir, "test_"+name+"_input.nc"))
	if err != nil {
		t.Fatal(err)
	}
	return fv
}

// readAll returns every value of v.
func readAll(t *testing.T, v *GriddedVariable) *sparse.DenseArray {
	t.Helper()
	nt, ny, nx := v.Shape()
	b, err := v.Block(0, nt, Window{J0: 0, J1: ny, I0: 0, I1: nx})
	if err != nil {
		t.Fatal(err)
	}
	return b
}
