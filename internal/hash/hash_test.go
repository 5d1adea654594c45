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

package hash

import "testing"

type stringer struct{}

func (stringer) String() string { return "fixed" }

func TestHash(t *testing.T) {
	a := map[string]interface{}{"basin_name": "Litani", "chunks": []int{1, 300, 300}, "f_perc": 0.9}
	b := make(map[string]interface{})
	for _, k := range []string{"f_perc", "chunks", "basin_name"} {
		b[k] = a[k]
	}
	for i := 0; i < 5; i++ {
		if ha, hb := Hash(a), Hash(b); ha != hb {
			t.Fatalf("equal maps hash differently: %s != %s", ha, hb)
		}
	}
	b["f_perc"] = 0.8
	if Hash(a) == Hash(b) {
		t.Error("different maps should hash differently")
	}

	type params struct {
		Name  string
		Value float64
	}
	if Hash(params{"x", 1}) != Hash(params{"x", 1}) {
		t.Error("equal structs hash differently")
	}
	if Hash(params{"x", 1}) == Hash(params{"x", 2}) {
		t.Error("different structs should hash differently")
	}
	if h := Hash(stringer{}); h != "fixed" {
		t.Errorf("stringer: got %s", h)
	}
}
