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
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// ChunkShape is the (time, lat, lon) block size used to bound memory
// while processing gridded variables.
type ChunkShape [3]int

// DefaultChunks is the block shape used when none is configured.
var DefaultChunks = ChunkShape{1, 300, 300}

// Validate returns an error if any element of c is not positive.
func (c ChunkShape) Validate() error {
	for i, n := range c {
		if n <= 0 {
			return &ValidationError{Field: fmt.Sprintf("chunks[%d]", i), Value: n, Reason: "should be >0"}
		}
	}
	return nil
}

// Window is a rectangular spatial block [J0,J1) × [I0,I1) in
// (lat, lon) index space.
type Window struct {
	J0, J1, I0, I1 int
}

// Windows partitions an ny × nx grid into blocks no larger than c.
func (c ChunkShape) Windows(ny, nx int) []Window {
	var w []Window
	for j := 0; j < ny; j += c[1] {
		for i := 0; i < nx; i += c[2] {
			w = append(w, Window{J0: j, J1: min(j+c[1], ny), I0: i, I1: min(i+c[2], nx)})
		}
	}
	return w
}

func (w Window) size() (ny, nx int) { return w.J1 - w.J0, w.I1 - w.I0 }

// DataType is the storage type of a gridded variable.
type DataType int

// Storage types.
const (
	Float64 DataType = iota
	Float32
	Int32
	Int16
)

// int16Fill and int32Fill are the NetCDF default fill values, which are
// read back as NaN.
const (
	int16Fill = -32767
	int32Fill = -2147483647
)

func (d DataType) String() string {
	switch d {
	case Float64:
		return "double"
	case Float32:
		return "float"
	case Int32:
		return "int"
	case Int16:
		return "short"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

type fileFormat int

const (
	formatMemory fileFormat = iota
	formatClassic
	formatHDF
)

// GriddedVariable is a named quantity on a (time, lat, lon) grid.
// File-backed variables are lazy: Block opens the file, reads the
// requested region and closes the file again.
type GriddedVariable struct {
	Name     string
	Units    string
	Source   string
	Quantity string

	Time     []time.Time
	Lat, Lon []float64

	// Res is the cell size. It is needed for grids with a single row or
	// column, whose cell size cannot be derived from the cell centres.
	Res Resolution

	// Chunks is the block shape used when iterating over the variable.
	Chunks ChunkShape
	DType  DataType

	path    string
	varName string
	format  fileFormat
	ndims   int
	// tOffset is the index in the backing store of Time[0].
	tOffset int

	hasFill       bool
	fill          float64
	scale, offset float64

	data *sparse.DenseArray
}

// Resolution is the cell size of a grid in degrees. Zero components are
// unknown.
type Resolution struct {
	Lat, Lon float64
}

// Resolution returns the cell size of v, derived from the cell centres
// where Res does not give it.
func (v *GriddedVariable) Resolution() Resolution {
	r := v.Res
	if r.Lat <= 0 {
		r.Lat = cellSpacing(v.Lat)
	}
	if r.Lon <= 0 {
		r.Lon = cellSpacing(v.Lon)
	}
	return r
}

// NewGriddedVariable returns an in-memory variable. data must have shape
// [len(times), len(lat), len(lon)].
func NewGriddedVariable(name, units string, times []time.Time, lat, lon []float64, data *sparse.DenseArray) (*GriddedVariable, error) {
	want := []int{len(times), len(lat), len(lon)}
	if len(data.Shape) != 3 || data.Shape[0] != want[0] || data.Shape[1] != want[1] || data.Shape[2] != want[2] {
		return nil, &AlignmentError{Var: name, Ref: "coordinates",
			Reason: fmt.Sprintf("data shape %v does not match coordinate lengths %v", data.Shape, want)}
	}
	return &GriddedVariable{
		Name:     name,
		Units:    units,
		Quantity: name,
		Time:     times,
		Lat:      lat,
		Lon:      lon,
		Chunks:   DefaultChunks,
		format:   formatMemory,
		ndims:    3,
		scale:    1,
		data:     data,
	}, nil
}

// Shape returns the lengths of the time, lat and lon axes.
func (v *GriddedVariable) Shape() (nt, ny, nx int) { return len(v.Time), len(v.Lat), len(v.Lon) }

// Static reports whether v has a single time step, in which case it is
// broadcast over any requested time range.
func (v *GriddedVariable) Static() bool { return len(v.Time) == 1 }

// Subset returns a view of v restricted to the months in times, which
// must form a contiguous run of v's time axis. Static variables are
// returned unchanged.
func (v *GriddedVariable) Subset(times []time.Time) (*GriddedVariable, error) {
	if v.Static() {
		return v, nil
	}
	if len(times) == 0 {
		return nil, &AlignmentError{Var: v.Name, Ref: "time subset", Reason: "empty time subset"}
	}
	start := -1
	for k, t := range v.Time {
		if sameMonth(t, times[0]) {
			start = k
			break
		}
	}
	if start < 0 || start+len(times) > len(v.Time) {
		return nil, &AlignmentError{Var: v.Name, Ref: "time subset",
			Reason: fmt.Sprintf("months %s to %s are not covered", times[0].Format("2006-01"), times[len(times)-1].Format("2006-01"))}
	}
	for k, t := range times {
		if !sameMonth(v.Time[start+k], t) {
			return nil, &AlignmentError{Var: v.Name, Ref: "time subset",
				Reason: fmt.Sprintf("month %s is missing", t.Format("2006-01"))}
		}
	}
	o := *v
	o.Time = v.Time[start : start+len(times)]
	o.tOffset = v.tOffset + start
	return &o, nil
}

// Path returns the backing file of v, or "" for in-memory variables.
func (v *GriddedVariable) Path() string { return v.path }

// Open returns a lazy view of the primary data variable in the NetCDF
// file at path. Both the classic and the NetCDF-4 formats are read.
func Open(path string, chunks ChunkShape) (*GriddedVariable, error) {
	if err := chunks.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, &DataAccessError{Path: path, Err: fmt.Errorf("reading file signature: %w", err)}
	}
	var v *GriddedVariable
	switch {
	case bytes.HasPrefix(magic, []byte("CDF")):
		v, err = openClassic(f)
	case bytes.Equal(magic, []byte("\x89HDF")):
		v, err = openHDF(path)
	default:
		err = fmt.Errorf("not a NetCDF file")
	}
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	v.path = path
	v.Chunks = chunks
	if v.Quantity == "" {
		v.Quantity = v.Name
	}
	return v, nil
}

var (
	timeNames = map[string]bool{"time": true, "t": true}
	latNames  = map[string]bool{"lat": true, "latitude": true, "y": true}
	lonNames  = map[string]bool{"lon": true, "longitude": true, "x": true}
)

func isCoordinate(name string) bool {
	n := strings.ToLower(name)
	return timeNames[n] || latNames[n] || lonNames[n] || n == "spatial_ref" || n == "crs" || n == "band"
}

// pickDataVar returns the primary data variable among names. When there
// is more than one candidate, the one named by quantity wins, otherwise
// the first in sorted order.
func pickDataVar(names []string, ndims func(string) int, quantity string) (string, error) {
	var candidates []string
	for _, n := range names {
		if isCoordinate(n) {
			continue
		}
		if d := ndims(n); d == 2 || d == 3 {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("file contains no data variables")
	}
	sort.Strings(candidates)
	for _, c := range candidates {
		if c == quantity {
			return c, nil
		}
	}
	return candidates[0], nil
}

func openClassic(f *os.File) (*GriddedVariable, error) {
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, err
	}
	h := cf.Header
	quantity, _ := h.GetAttribute("", "quantity").(string)
	name, err := pickDataVar(h.Variables(), func(n string) int { return len(h.Dimensions(n)) }, quantity)
	if err != nil {
		return nil, err
	}
	dims := h.Dimensions(name)
	lengths := append([]int{}, h.Lengths(name)...)
	if len(lengths) > 0 && lengths[0] == 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		lengths[0] = int(h.NumRecs(fi.Size()))
	}
	v := &GriddedVariable{
		Name:    name,
		varName: name,
		format:  formatClassic,
		ndims:   len(dims),
		scale:   1,
	}
	v.Units, _ = h.GetAttribute(name, "units").(string)
	v.Source, _ = h.GetAttribute(name, "source").(string)
	v.Quantity, _ = h.GetAttribute(name, "quantity").(string)
	if v.Quantity == "" {
		v.Quantity = quantity
	}
	switch h.ZeroValue(name, 0).(type) {
	case []float32:
		v.DType = Float32
	case []int16:
		v.DType = Int16
	case []int32:
		v.DType = Int32
	}
	v.fill, v.hasFill = attrFloat(h.GetAttribute(name, "_FillValue"))
	if s, ok := attrFloat(h.GetAttribute(name, "scale_factor")); ok {
		v.scale = s
	}
	v.offset, _ = attrFloat(h.GetAttribute(name, "add_offset"))
	v.Res.Lat, _ = attrFloat(h.GetAttribute("", latResAttr))
	v.Res.Lon, _ = attrFloat(h.GetAttribute("", lonResAttr))

	coord := func(dim string, n int) ([]float64, error) {
		if h.Lengths(dim) == nil {
			return nil, fmt.Errorf("missing coordinate variable %s", dim)
		}
		r := cf.Reader(dim, []int{0}, []int{n - 1})
		buf := r.Zero(n)
		nr, err := r.Read(buf)
		if err := cdfDone(nr, n, err); err != nil {
			return nil, fmt.Errorf("reading coordinate %s: %w", dim, err)
		}
		return toFloat64(buf), nil
	}
	off := len(dims) - 2
	if v.Lat, err = coord(dims[off], lengths[off]); err != nil {
		return nil, err
	}
	if v.Lon, err = coord(dims[off+1], lengths[off+1]); err != nil {
		return nil, err
	}
	if len(dims) == 3 {
		vals, err := coord(dims[0], lengths[0])
		if err != nil {
			return nil, err
		}
		units, _ := h.GetAttribute(dims[0], "units").(string)
		if v.Time, err = decodeTime(units, vals); err != nil {
			return nil, err
		}
	} else {
		v.Time = []time.Time{{}}
	}
	return v, nil
}

func openHDF(path string) (*GriddedVariable, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	getters := make(map[string]api.VarGetter)
	getter := func(n string) (api.VarGetter, error) {
		if g, ok := getters[n]; ok {
			return g, nil
		}
		g, err := nc.GetVarGetter(n)
		if err != nil {
			return nil, err
		}
		getters[n] = g
		return g, nil
	}
	var quantity string
	if q, ok := nc.Attributes().Get("quantity"); ok {
		quantity = fmt.Sprint(q)
	}
	name, err := pickDataVar(nc.ListVariables(), func(n string) int {
		g, err := getter(n)
		if err != nil {
			return 0
		}
		return len(g.Dimensions())
	}, quantity)
	if err != nil {
		return nil, err
	}
	vg, err := getter(name)
	if err != nil {
		return nil, err
	}
	dims := vg.Dimensions()
	v := &GriddedVariable{
		Name:     name,
		Quantity: quantity,
		varName:  name,
		format:   formatHDF,
		ndims:    len(dims),
		scale:    1,
	}
	attrs := vg.Attributes()
	attrString := func(k string) string {
		if a, ok := attrs.Get(k); ok {
			return fmt.Sprint(a)
		}
		return ""
	}
	v.Units = attrString("units")
	v.Source = attrString("source")
	if q := attrString("quantity"); q != "" {
		v.Quantity = q
	}
	if a, ok := attrs.Get("_FillValue"); ok {
		v.fill, v.hasFill = attrFloat(a)
	}
	if a, ok := attrs.Get("scale_factor"); ok {
		if s, ok := attrFloat(a); ok {
			v.scale = s
		}
	}
	if a, ok := attrs.Get("add_offset"); ok {
		v.offset, _ = attrFloat(a)
	}
	if a, ok := nc.Attributes().Get(latResAttr); ok {
		v.Res.Lat, _ = attrFloat(a)
	}
	if a, ok := nc.Attributes().Get(lonResAttr); ok {
		v.Res.Lon, _ = attrFloat(a)
	}

	coord := func(dim string) ([]float64, error) {
		g, err := getter(dim)
		if err != nil {
			return nil, fmt.Errorf("missing coordinate variable %s: %w", dim, err)
		}
		vals, err := g.Values()
		if err != nil {
			return nil, err
		}
		return flatten(vals)
	}
	off := len(dims) - 2
	if v.Lat, err = coord(dims[off]); err != nil {
		return nil, err
	}
	if v.Lon, err = coord(dims[off+1]); err != nil {
		return nil, err
	}
	if len(dims) == 3 {
		vals, err := coord(dims[0])
		if err != nil {
			return nil, err
		}
		tg, _ := getter(dims[0])
		var units string
		if u, ok := tg.Attributes().Get("units"); ok {
			units = fmt.Sprint(u)
		}
		if v.Time, err = decodeTime(units, vals); err != nil {
			return nil, err
		}
	} else {
		v.Time = []time.Time{{}}
	}
	return v, nil
}

// Block returns the values of v for time steps [t0,t1) within window w
// as an array of shape [t1-t0, w.J1-w.J0, w.I1-w.I0]. Static variables
// return their single time step for every requested step.
func (v *GriddedVariable) Block(t0, t1 int, w Window) (*sparse.DenseArray, error) {
	nt, ny, nx := v.Shape()
	if t1 <= t0 || w.J0 < 0 || w.J1 > ny || w.I0 < 0 || w.I1 > nx || w.J1 <= w.J0 || w.I1 <= w.I0 {
		return nil, fmt.Errorf("waplus: block t=[%d,%d) %+v out of range for %s with shape [%d %d %d]",
			t0, t1, w, v.Name, nt, ny, nx)
	}
	if !v.Static() && (t0 < 0 || t1 > nt) {
		return nil, fmt.Errorf("waplus: time range [%d,%d) out of range for %s with %d steps", t0, t1, v.Name, nt)
	}
	steps := make([]int, t1-t0)
	if !v.Static() {
		for k := range steps {
			steps[k] = v.tOffset + t0 + k
		}
	}
	var out *sparse.DenseArray
	var err error
	switch v.format {
	case formatMemory:
		out = v.memoryBlock(steps, w)
	case formatClassic:
		out, err = v.classicBlock(steps, w)
	case formatHDF:
		out, err = v.hdfBlock(steps, w)
	}
	if err != nil {
		return nil, &DataAccessError{Path: v.path, Err: err}
	}
	return out, nil
}

func (v *GriddedVariable) memoryBlock(steps []int, w Window) *sparse.DenseArray {
	bny, bnx := w.size()
	_, ny, nx := v.Shape()
	out := sparse.ZerosDense(len(steps), bny, bnx)
	for k, t := range steps {
		for j := w.J0; j < w.J1; j++ {
			src := v.data.Elements[(t*ny+j)*nx+w.I0 : (t*ny+j)*nx+w.I1]
			copy(out.Elements[(k*bny+j-w.J0)*bnx:], src)
		}
	}
	return out
}

func (v *GriddedVariable) classicBlock(steps []int, w Window) (*sparse.DenseArray, error) {
	f, err := os.Open(v.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, err
	}
	bny, bnx := w.size()
	out := sparse.ZerosDense(len(steps), bny, bnx)
	for k, t := range steps {
		if k > 0 && v.Static() {
			copy(out.Elements[k*bny*bnx:(k+1)*bny*bnx], out.Elements[:bny*bnx])
			continue
		}
		for j := w.J0; j < w.J1; j++ {
			begin, end := []int{j, w.I0}, []int{j, w.I1 - 1}
			if v.ndims == 3 {
				begin, end = []int{t, j, w.I0}, []int{t, j, w.I1 - 1}
			}
			r := cf.Reader(v.varName, begin, end)
			buf := r.Zero(bnx)
			n, err := r.Read(buf)
			if err := cdfDone(n, bnx, err); err != nil {
				return nil, fmt.Errorf("reading %s row %d: %w", v.varName, j, err)
			}
			v.decode(toFloat64(buf), out.Elements[(k*bny+j-w.J0)*bnx:(k*bny+j-w.J0+1)*bnx])
		}
	}
	return out, nil
}

// cdfDone checks the result of a cdf Read or Write of want elements.
// The striders return io.EOF once the last element in range has been
// transferred, which is success when nothing was cut short.
func cdfDone(n, want int, err error) error {
	switch {
	case err == io.EOF && n == want:
		return nil
	case err == nil && n < want:
		return io.ErrUnexpectedEOF
	}
	return err
}

func (v *GriddedVariable) hdfBlock(steps []int, w Window) (*sparse.DenseArray, error) {
	nc, err := netcdf.Open(v.path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	vg, err := nc.GetVarGetter(v.varName)
	if err != nil {
		return nil, err
	}
	bny, bnx := w.size()
	nx := len(v.Lon)
	out := sparse.ZerosDense(len(steps), bny, bnx)
	for k, t := range steps {
		if k > 0 && v.Static() {
			copy(out.Elements[k*bny*bnx:(k+1)*bny*bnx], out.Elements[:bny*bnx])
			continue
		}
		var slab interface{}
		firstRow := 0
		if v.ndims == 3 {
			slab, err = vg.GetSlice(int64(t), int64(t+1))
		} else {
			slab, err = vg.GetSlice(int64(w.J0), int64(w.J1))
			firstRow = w.J0
		}
		if err != nil {
			return nil, err
		}
		vals, err := flatten(slab)
		if err != nil {
			return nil, err
		}
		for j := w.J0; j < w.J1; j++ {
			src := vals[(j-firstRow)*nx+w.I0 : (j-firstRow)*nx+w.I1]
			v.decode(src, out.Elements[(k*bny+j-w.J0)*bnx:(k*bny+j-w.J0+1)*bnx])
		}
	}
	return out, nil
}

// decode applies the fill value, scale factor and offset of v to raw
// values, writing the results to dst.
func (v *GriddedVariable) decode(raw, dst []float64) {
	for i, x := range raw {
		if v.hasFill && x == v.fill {
			dst[i] = math.NaN()
			continue
		}
		dst[i] = x*v.scale + v.offset
	}
}

func toFloat64(buf interface{}) []float64 {
	switch b := buf.(type) {
	case []float64:
		return b
	case []float32:
		o := make([]float64, len(b))
		for i, x := range b {
			o[i] = float64(x)
		}
		return o
	case []int32:
		o := make([]float64, len(b))
		for i, x := range b {
			o[i] = float64(x)
		}
		return o
	case []int16:
		o := make([]float64, len(b))
		for i, x := range b {
			o[i] = float64(x)
		}
		return o
	case []uint8:
		o := make([]float64, len(b))
		for i, x := range b {
			o[i] = float64(int8(x))
		}
		return o
	}
	panic(fmt.Errorf("waplus: unsupported buffer type %T", buf))
}

// flatten converts a (possibly nested) slice of numbers to a flat
// []float64 in row-major order.
func flatten(v interface{}) ([]float64, error) {
	var out []float64
	var walk func(r reflect.Value) error
	walk = func(r reflect.Value) error {
		switch r.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < r.Len(); i++ {
				if err := walk(r.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, r.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(r.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(r.Uint()))
		default:
			return fmt.Errorf("unsupported element type %s", r.Type())
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}

// attrFloat returns the first numeric value of attribute a.
func attrFloat(a interface{}) (float64, bool) {
	if a == nil {
		return 0, false
	}
	if _, ok := a.(string); ok {
		return 0, false
	}
	vals, err := flatten(a)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

const timeUnits = "days since 1970-01-01 00:00:00"

// Global attributes holding the cell size in degrees.
const (
	latResAttr = "geospatial_lat_resolution"
	lonResAttr = "geospatial_lon_resolution"
)

var refLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2 15:04:05",
	"2006-1-2",
}

// decodeTime converts CF time values with units of the form
// "<unit> since <reference>" to timestamps.
func decodeTime(units string, vals []float64) ([]time.Time, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unsupported time units %q", units)
	}
	var step float64
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case "days", "day", "d":
		step = 86400
	case "hours", "hour", "h":
		step = 3600
	case "minutes", "minute", "min":
		step = 60
	case "seconds", "second", "s":
		step = 1
	default:
		return nil, fmt.Errorf("unsupported time units %q", units)
	}
	refStr := strings.TrimSpace(parts[1])
	refStr = strings.TrimSuffix(strings.TrimSuffix(refStr, " UTC"), "Z")
	var ref time.Time
	var err error
	for _, layout := range refLayouts {
		if ref, err = time.Parse(layout, refStr); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parsing time reference %q: %w", refStr, err)
	}
	out := make([]time.Time, len(vals))
	for i, x := range vals {
		secs := x * step
		whole := math.Floor(secs)
		out[i] = time.Unix(ref.Unix()+int64(whole), int64(math.Round((secs-whole)*1e9))).UTC()
	}
	return out, nil
}

func encodeTime(times []time.Time) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = (float64(t.Unix()) + float64(t.Nanosecond())/1e9) / 86400
	}
	return out
}

// GridWriter writes a gridded variable to a classic NetCDF file block by
// block. The file is created exclusively under a temporary name and only
// appears at its final path after Close succeeds. A GridWriter must not be
// used from more than one goroutine at a time.
type GridWriter struct {
	path, partial string
	name          string
	dtype         DataType
	chunks        ChunkShape
	ny, nx        int

	f  *os.File
	cf *cdf.File
}

// Create starts writing a variable with the metadata and coordinates of
// tmpl to path.
func Create(path string, tmpl *GriddedVariable) (*GridWriter, error) {
	nt, ny, nx := tmpl.Shape()
	if nt == 0 || ny == 0 || nx == 0 {
		return nil, &ValidationError{Field: tmpl.Name + " shape", Value: []int{nt, ny, nx}, Reason: "should not be empty"}
	}
	chunks := tmpl.Chunks
	if chunks.Validate() != nil {
		chunks = DefaultChunks
	}
	partial := path + ".partial"
	f, err := os.OpenFile(partial, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}

	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{nt, ny, nx})
	h.AddAttribute("", "comment", "WA+ gridded variable")
	h.AddAttribute("", "chunk_sizes", []int32{int32(chunks[0]), int32(chunks[1]), int32(chunks[2])})
	h.AddAttribute("", "quantity", tmpl.Name)
	if r := tmpl.Resolution(); r.Lat > 0 {
		h.AddAttribute("", latResAttr, []float64{r.Lat})
	}
	if r := tmpl.Resolution(); r.Lon > 0 {
		h.AddAttribute("", lonResAttr, []float64{r.Lon})
	}
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", timeUnits)
	h.AddAttribute("time", "calendar", "standard")
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")

	dims := []string{"time", "lat", "lon"}
	switch tmpl.DType {
	case Float32:
		h.AddVariable(tmpl.Name, dims, []float32{0})
	case Int16:
		h.AddVariable(tmpl.Name, dims, []int16{0})
		h.AddAttribute(tmpl.Name, "_FillValue", []int16{int16Fill})
	case Int32:
		h.AddVariable(tmpl.Name, dims, []int32{0})
		h.AddAttribute(tmpl.Name, "_FillValue", []int32{int32Fill})
	default:
		h.AddVariable(tmpl.Name, dims, []float64{0})
	}
	for _, a := range [][2]string{{"units", tmpl.Units}, {"source", tmpl.Source}, {"quantity", tmpl.Quantity}} {
		if a[1] != "" {
			h.AddAttribute(tmpl.Name, a[0], a[1])
		}
	}
	h.Define()

	cf, err := cdf.Create(f, h) // writes the header to f
	if err != nil {
		f.Close()
		os.Remove(partial)
		return nil, &DataAccessError{Path: path, Err: err}
	}
	w := &GridWriter{
		path: path, partial: partial, name: tmpl.Name, dtype: tmpl.DType,
		chunks: chunks, ny: ny, nx: nx, f: f, cf: cf,
	}
	for _, c := range []struct {
		name string
		vals []float64
	}{{"time", encodeTime(tmpl.Time)}, {"lat", tmpl.Lat}, {"lon", tmpl.Lon}} {
		n, err := cf.Writer(c.name, nil, nil).Write(c.vals)
		if err := cdfDone(n, len(c.vals), err); err != nil {
			w.Abort()
			return nil, &DataAccessError{Path: path, Err: fmt.Errorf("writing coordinate %s: %w", c.name, err)}
		}
	}
	return w, nil
}

// WriteBlock writes data, which has shape [nt, ny, nx], with its first
// element at time step t0 and grid cell (j0, i0).
func (w *GridWriter) WriteBlock(t0, j0, i0 int, data *sparse.DenseArray) error {
	if len(data.Shape) != 3 {
		return fmt.Errorf("waplus: writing %s: block has %d dimensions, want 3", w.name, len(data.Shape))
	}
	bnt, bny, bnx := data.Shape[0], data.Shape[1], data.Shape[2]
	if j0+bny > w.ny || i0+bnx > w.nx {
		return fmt.Errorf("waplus: writing %s: block at (%d,%d) with shape %v exceeds grid", w.name, j0, i0, data.Shape)
	}
	for k := 0; k < bnt; k++ {
		for j := 0; j < bny; j++ {
			row := data.Elements[(k*bny+j)*bnx : (k*bny+j+1)*bnx]
			wr := w.cf.Writer(w.name, []int{t0 + k, j0 + j, i0}, []int{t0 + k, j0 + j, i0 + bnx - 1})
			n, err := wr.Write(w.encode(row))
			if err := cdfDone(n, bnx, err); err != nil {
				return &DataAccessError{Path: w.path, Err: fmt.Errorf("writing %s: %w", w.name, err)}
			}
		}
	}
	return nil
}

func (w *GridWriter) encode(row []float64) interface{} {
	switch w.dtype {
	case Float32:
		o := make([]float32, len(row))
		for i, x := range row {
			o[i] = float32(x)
		}
		return o
	case Int16:
		o := make([]int16, len(row))
		for i, x := range row {
			if math.IsNaN(x) {
				o[i] = int16Fill
			} else {
				o[i] = int16(math.Round(x))
			}
		}
		return o
	case Int32:
		o := make([]int32, len(row))
		for i, x := range row {
			if math.IsNaN(x) {
				o[i] = int32Fill
			} else {
				o[i] = int32(math.Round(x))
			}
		}
		return o
	}
	return row
}

// Close finishes the file, moves it to its final path and re-opens it
// as a lazy GriddedVariable.
func (w *GridWriter) Close() (*GriddedVariable, error) {
	if err := w.f.Close(); err != nil {
		os.Remove(w.partial)
		return nil, &DataAccessError{Path: w.path, Err: err}
	}
	if err := os.Rename(w.partial, w.path); err != nil {
		os.Remove(w.partial)
		return nil, &DataAccessError{Path: w.path, Err: err}
	}
	return Open(w.path, w.chunks)
}

// Abort discards a partially written file.
func (w *GridWriter) Abort() {
	w.f.Close()
	os.Remove(w.partial)
}

// Write persists v to a classic NetCDF file at path and returns a lazy
// view of the written file.
func (v *GriddedVariable) Write(path string) (*GriddedVariable, error) {
	w, err := Create(path, v)
	if err != nil {
		return nil, err
	}
	nt, ny, nx := v.Shape()
	for t := 0; t < nt; t += w.chunks[0] {
		t1 := min(t+w.chunks[0], nt)
		for _, win := range w.chunks.Windows(ny, nx) {
			b, err := v.Block(t, t1, win)
			if err != nil {
				w.Abort()
				return nil, err
			}
			if err := w.WriteBlock(t, win.J0, win.I0, b); err != nil {
				w.Abort()
				return nil, err
			}
		}
	}
	return w.Close()
}

// Like returns an empty in-memory template with the coordinates and chunk
// shape of v, for use with Create.
func (v *GriddedVariable) Like(name, units string) *GriddedVariable {
	return &GriddedVariable{
		Name:     name,
		Units:    units,
		Quantity: name,
		Time:     v.Time,
		Lat:      v.Lat,
		Lon:      v.Lon,
		Res:      v.Res,
		Chunks:   v.Chunks,
		format:   formatMemory,
		ndims:    3,
		scale:    1,
	}
}
