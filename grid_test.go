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
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestGridRoundTrip(t *testing.T) {
	dir := t.TempDir()
	times := monthsFrom(2010, time.January, 3)
	f := func(k, j, i int) float64 {
		if j == 1 && i == 2 {
			return math.NaN()
		}
		return float64(k*100+j*10+i) + 0.25
	}
	for _, dtype := range []DataType{Float64, Float32, Int16, Int32} {
		t.Run(dtype.String(), func(t *testing.T) {
			v := memGrid(t, "P", times, 4, 5, f)
			v.DType = dtype
			v.Source = "CHIRPS"
			path := filepath.Join(dir, "roundtrip_"+dtype.String()+".nc")
			got, err := v.Write(path)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
				t.Errorf("partial file left behind: %v", err)
			}
			if got.Name != "P" || got.Units != "mm/month" || got.Source != "CHIRPS" {
				t.Errorf("metadata: got %s %s %s", got.Name, got.Units, got.Source)
			}
			if got.DType != dtype {
				t.Errorf("data type: got %v, want %v", got.DType, dtype)
			}
			if !reflect.DeepEqual(got.Lat, v.Lat) || !reflect.DeepEqual(got.Lon, v.Lon) {
				t.Errorf("coordinates differ: %v %v", got.Lat, got.Lon)
			}
			for k := range times {
				if !got.Time[k].Equal(times[k]) {
					t.Errorf("time %d: got %v, want %v", k, got.Time[k], times[k])
				}
			}
			reopened, err := Open(path, DefaultChunks)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(reopened.Lat, v.Lat) || !reflect.DeepEqual(reopened.Lon, v.Lon) || len(reopened.Time) != len(times) {
				t.Errorf("re-opened coordinates differ: %v %v %v", reopened.Time, reopened.Lat, reopened.Lon)
			}
			want := readAll(t, v)
			have := readAll(t, reopened)
			if len(have.Elements) != len(want.Elements) {
				t.Fatalf("got %d elements, want %d", len(have.Elements), len(want.Elements))
			}
			for n, w := range want.Elements {
				switch dtype {
				case Int16, Int32:
					w = math.Round(w)
				case Float32:
					w = float64(float32(w))
				}
				if !sameOrNaN(have.Elements[n], w) {
					t.Errorf("element %d: got %g, want %g", n, have.Elements[n], w)
				}
			}
		})
	}
}

func TestGridWriterBlocks(t *testing.T) {
	dir := t.TempDir()
	times := monthsFrom(2010, time.January, 2)
	f := func(k, j, i int) float64 { return float64(k*1000+j*10+i) + 0.5 }
	tmpl := memGrid(t, "ET", times, 3, 5, f)
	path := filepath.Join(dir, "et.nc")
	w, err := Create(path, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	// The last block ends on the final element of the variable.
	for _, win := range (ChunkShape{1, 2, 2}).Windows(3, 5) {
		for k := range times {
			b, err := tmpl.Block(k, k+1, win)
			if err != nil {
				t.Fatal(err)
			}
			if err := w.WriteBlock(k, win.J0, win.I0, b); err != nil {
				t.Fatalf("block %v at step %d: %v", win, k, err)
			}
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	v, err := Open(path, ChunkShape{1, 2, 2})
	if err != nil {
		t.Fatal(err)
	}
	got := readAll(t, v)
	for k := range times {
		for j := 0; j < 3; j++ {
			for i := 0; i < 5; i++ {
				if g, want := got.Get(k, j, i), f(k, j, i); g != want {
					t.Errorf("(%d,%d,%d): got %g, want %g", k, j, i, g, want)
				}
			}
		}
	}
}

func TestCDFDone(t *testing.T) {
	for _, test := range []struct {
		name    string
		n, want int
		err     error
		ok      bool
	}{
		{name: "complete", n: 4, want: 4, ok: true},
		{name: "end of range", n: 4, want: 4, err: io.EOF, ok: true},
		{name: "short at end", n: 3, want: 4, err: io.EOF},
		{name: "short", n: 3, want: 4},
		{name: "failure", n: 4, want: 4, err: os.ErrClosed},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := cdfDone(test.n, test.want, test.err)
			if (err == nil) != test.ok {
				t.Errorf("got %v, ok=%v", err, test.ok)
			}
		})
	}
}

func TestBlock(t *testing.T) {
	dir := t.TempDir()
	times := monthsFrom(2010, time.January, 4)
	f := func(k, j, i int) float64 { return float64(k*100 + j*10 + i) }
	v := fileGrid(t, dir, "ET", times, 5, 6, f)
	b, err := v.Block(1, 3, Window{J0: 2, J1: 4, I0: 3, I1: 6})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.Shape, []int{2, 2, 3}) {
		t.Fatalf("shape: %v", b.Shape)
	}
	for k := 0; k < 2; k++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 3; i++ {
				if got, want := b.Get(k, j, i), f(k+1, j+2, i+3); got != want {
					t.Errorf("(%d,%d,%d): got %g, want %g", k, j, i, got, want)
				}
			}
		}
	}
	if _, err := v.Block(3, 5, Window{J0: 0, J1: 1, I0: 0, I1: 1}); err == nil {
		t.Error("out of range time should fail")
	}

	t.Run("static broadcast", func(t *testing.T) {
		s := fileGrid(t, dir, "SMsat", monthsFrom(2010, time.January, 1), 5, 6, func(_, j, i int) float64 { return float64(j + i) })
		if !s.Static() {
			t.Fatal("should be static")
		}
		b, err := s.Block(7, 10, Window{J0: 1, J1: 2, I0: 1, I1: 3})
		if err != nil {
			t.Fatal(err)
		}
		want := []float64{2, 3, 2, 3, 2, 3}
		if !reflect.DeepEqual(b.Elements, want) {
			t.Errorf("got %v, want %v", b.Elements, want)
		}
	})
}

func TestSubset(t *testing.T) {
	times := monthsFrom(2009, time.November, 6)
	v := memGrid(t, "P", times, 2, 2, func(k, _, _ int) float64 { return float64(k) })
	sub, err := v.Subset(monthsFrom(2010, time.January, 3))
	if err != nil {
		t.Fatal(err)
	}
	b := readAll(t, sub)
	for k := 0; k < 3; k++ {
		if got := b.Get(k, 0, 0); got != float64(k+2) {
			t.Errorf("step %d: got %g, want %d", k, got, k+2)
		}
	}
	sub2, err := sub.Subset(monthsFrom(2010, time.February, 2))
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, sub2).Get(0, 1, 1); got != 3 {
		t.Errorf("nested subset: got %g, want 3", got)
	}
	_, err = v.Subset(monthsFrom(2010, time.March, 6))
	var ae *AlignmentError
	if !errors.As(err, &ae) {
		t.Errorf("uncovered months: got %v, want AlignmentError", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	var de *DataAccessError
	if _, err := Open(filepath.Join(dir, "missing.nc"), DefaultChunks); !errors.As(err, &de) {
		t.Errorf("missing file: got %v, want DataAccessError", err)
	}
	junk := filepath.Join(dir, "junk.nc")
	if err := os.WriteFile(junk, []byte("this is not netcdf"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(junk, DefaultChunks); !errors.As(err, &de) {
		t.Errorf("corrupt file: got %v, want DataAccessError", err)
	}
	var ve *ValidationError
	if _, err := Open(junk, ChunkShape{1, 0, 10}); !errors.As(err, &ve) {
		t.Errorf("bad chunks: got %v, want ValidationError", err)
	}
}

func TestCreateExclusive(t *testing.T) {
	dir := t.TempDir()
	v := memGrid(t, "P", monthsFrom(2010, time.January, 1), 2, 2, func(_, _, _ int) float64 { return 1 })
	path := filepath.Join(dir, "p.nc")
	w, err := Create(path, v)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(path, v); err == nil {
		t.Error("second writer to the same path should fail")
	}
	w.Abort()
	if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
		t.Error("abort should remove the partial file")
	}
}

func TestWindows(t *testing.T) {
	w := ChunkShape{1, 2, 3}.Windows(5, 4)
	want := []Window{
		{0, 2, 0, 3}, {0, 2, 3, 4},
		{2, 4, 0, 3}, {2, 4, 3, 4},
		{4, 5, 0, 3}, {4, 5, 3, 4},
	}
	if !reflect.DeepEqual(w, want) {
		t.Errorf("got %v, want %v", w, want)
	}
}

func TestDecodeTime(t *testing.T) {
	got, err := decodeTime("hours since 2000-01-01 00:00:00", []float64{0, 24, 36})
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("%d: got %v, want %v", i, got[i], want[i])
		}
	}
	if _, err := decodeTime("fortnights since 2000-01-01", []float64{1}); err == nil {
		t.Error("unknown units should fail")
	}
}
