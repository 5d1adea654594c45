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
	"time"
)

// coordTol is the tolerance in degrees for comparing grid coordinates.
const coordTol = 1e-6

// CheckGrid returns an AlignmentError if v and ref do not share the same
// latitude and longitude coordinates.
func CheckGrid(v, ref *GriddedVariable) error {
	for _, c := range []struct {
		axis   string
		vv, rr []float64
	}{{"latitude", v.Lat, ref.Lat}, {"longitude", v.Lon, ref.Lon}} {
		if len(c.vv) != len(c.rr) {
			return &AlignmentError{Var: v.Name, Ref: ref.Name,
				Reason: fmt.Sprintf("%s has %d cells, want %d", c.axis, len(c.vv), len(c.rr))}
		}
		for i := range c.vv {
			if math.Abs(c.vv[i]-c.rr[i]) > coordTol {
				return &AlignmentError{Var: v.Name, Ref: ref.Name,
					Reason: fmt.Sprintf("%s[%d]=%g, want %g", c.axis, i, c.vv[i], c.rr[i])}
			}
		}
	}
	return nil
}

// CheckMonthly returns an AlignmentError unless v and ref have the same
// number of time steps falling in the same calendar months.
func CheckMonthly(v, ref *GriddedVariable) error {
	if len(v.Time) != len(ref.Time) {
		return &AlignmentError{Var: v.Name, Ref: ref.Name,
			Reason: fmt.Sprintf("%d time steps, want %d", len(v.Time), len(ref.Time))}
	}
	for i := range v.Time {
		if !sameMonth(v.Time[i], ref.Time[i]) {
			return &AlignmentError{Var: v.Name, Ref: ref.Name,
				Reason: fmt.Sprintf("time step %d is %s, want %s", i,
					v.Time[i].Format("2006-01"), ref.Time[i].Format("2006-01"))}
		}
	}
	return nil
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(t time.Time) int {
	return monthStart(t).AddDate(0, 1, -1).Day()
}

// isMonthly reports whether times advance by exactly one calendar month
// per step.
func isMonthly(times []time.Time) bool {
	for i := 1; i < len(times); i++ {
		if !sameMonth(monthStart(times[i-1]).AddDate(0, 1, 0), times[i]) {
			return false
		}
	}
	return true
}

// nearestIndex returns, for each target time, the index of the closest
// time in src. Ties go to the earlier source index.
func nearestIndex(src, target []time.Time) []int {
	idx := make([]int, len(target))
	for i, t := range target {
		best := math.Inf(1)
		for j, s := range src {
			d := math.Abs(t.Sub(s).Hours())
			if d < best {
				best = d
				idx[i] = j
			}
		}
	}
	return idx
}
