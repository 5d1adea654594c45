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
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tealeg/xlsx"
)

// Series is a monthly scalar time series keyed by the first day of each
// month.
type Series map[time.Time]float64

// Months returns the months in s in chronological order.
func (s Series) Months() []time.Time {
	m := make([]time.Time, 0, len(s))
	for t := range s {
		m = append(m, t)
	}
	sort.Slice(m, func(i, j int) bool { return m[i].Before(m[j]) })
	return m
}

// Names of the auxiliary tables.
const (
	TableInflow      = "inflow"
	TableOutflow     = "outflow"
	TableConsumption = "consumption"
	TableTWW         = "tww"
)

var tableNames = []string{TableInflow, TableOutflow, TableConsumption, TableTWW}

// Tables holds the auxiliary monthly tables of a basin, keyed by table
// name.
type Tables map[string]Series

// LoadTables reads the tables at paths, which is keyed by table name.
// Tables with an empty path are skipped.
func LoadTables(paths map[string]string) (Tables, error) {
	t := make(Tables)
	for name, p := range paths {
		known := false
		for _, n := range tableNames {
			known = known || n == name
		}
		if !known {
			return nil, &ValidationError{Field: "tables", Value: name, Reason: fmt.Sprintf("should be one of %v", tableNames)}
		}
		if p == "" {
			continue
		}
		s, err := ReadSeries(p)
		if err != nil {
			return nil, fmt.Errorf("waplus: reading %s table: %w", name, err)
		}
		t[name] = s
	}
	return t, nil
}

var dateLayouts = []string{"2006-01-02", "2006-01", "01/02/2006", "2006/01/02", "2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// excelEpoch is day zero of spreadsheet serial dates.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ReadSeries reads a monthly series from a CSV or XLSX file. The first
// column holds the date and the second the value. A leading header row
// is skipped. Empty values are read as NaN.
func ReadSeries(path string) (Series, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &MissingInputError{Key: VarKey(filepath.Base(path)), Path: path}
	}
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = xlsxRows(path)
	default:
		rows, err = csvRows(path)
	}
	if err != nil {
		return nil, &DataAccessError{Path: path, Err: err}
	}
	s := make(Series)
	for i, r := range rows {
		if len(r) < 2 {
			continue
		}
		t, err := parseDate(r[0])
		if err != nil {
			if serial, ferr := strconv.ParseFloat(strings.TrimSpace(r[0]), 64); ferr == nil && serial > 0 {
				t, err = excelEpoch.AddDate(0, 0, int(serial)), nil
			}
		}
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, &DataAccessError{Path: path, Err: fmt.Errorf("row %d: %w", i+1, err)}
		}
		v := math.NaN()
		if str := strings.TrimSpace(r[1]); str != "" {
			if v, err = strconv.ParseFloat(str, 64); err != nil {
				return nil, &DataAccessError{Path: path, Err: fmt.Errorf("row %d: %w", i+1, err)}
			}
		}
		m := monthStart(t)
		if _, ok := s[m]; ok {
			return nil, &ValidationError{Field: filepath.Base(path), Value: m.Format("2006-01"), Reason: "appears more than once"}
		}
		s[m] = v
	}
	return s, nil
}

func csvRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

func xlsxRows(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	s := f.Sheets[0]
	rows := make([][]string, s.MaxRow)
	for j := 0; j < s.MaxRow; j++ {
		rows[j] = []string{strings.TrimSpace(s.Cell(j, 0).Value), strings.TrimSpace(s.Cell(j, 1).Value)}
	}
	return rows, nil
}
