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

package waplusutil

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/wateraccounting/waplus"
	"github.com/wateraccounting/waplus/internal/hash"
)

// testConfig returns a configuration holding the default option values.
func testConfig() *viper.Viper {
	cfg := viper.New()
	for _, o := range options {
		cfg.SetDefault(o.name, o.defaultVal)
	}
	cfg.Set("basin_name", "Test")
	cfg.Set("output_dir", "out")
	return cfg
}

func TestGetStringMapString(t *testing.T) {
	cfg := viper.New()
	for _, c := range []struct {
		name string
		in   interface{}
		want map[string]string
	}{
		{"nil", nil, map[string]string{}},
		{"map", map[string]string{"P": "p.nc"}, map[string]string{"P": "p.nc"}},
		{"interface map", map[string]interface{}{"p": "p.nc"}, map[string]string{"p": "p.nc"}},
		{"json", `{"P": "p.nc", "ET": "et.nc"}`, map[string]string{"P": "p.nc", "ET": "et.nc"}},
		{"empty string", "", map[string]string{}},
	} {
		t.Run(c.name, func(t *testing.T) {
			cfg.Set("inputs", c.in)
			got, err := GetStringMapString("inputs", cfg)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
	cfg.Set("inputs", `{"P": `)
	if _, err := GetStringMapString("inputs", cfg); err == nil {
		t.Error("invalid json should fail")
	}
	cfg.Set("inputs", 3)
	if _, err := GetStringMapString("inputs", cfg); err == nil {
		t.Error("a number is not a map")
	}
}

func TestToIntSliceE(t *testing.T) {
	for _, in := range []interface{}{[]int{1, 50, 60}, []interface{}{1, 50, 60}, "[1, 50, 60]"} {
		got, err := toIntSliceE(in)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, []int{1, 50, 60}) {
			t.Errorf("%#v: got %v", in, got)
		}
	}
	if _, err := toIntSliceE(1.5); err == nil {
		t.Error("a float is not a list")
	}
}

func TestChunksConfig(t *testing.T) {
	cfg := testConfig()
	c, err := ChunksConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c != waplus.DefaultChunks {
		t.Errorf("got %v", c)
	}
	var ve *waplus.ValidationError
	for _, bad := range []interface{}{[]int{1, 2}, []int{0, 10, 10}} {
		cfg.Set("chunks", bad)
		if _, err := ChunksConfig(cfg); !errors.As(err, &ve) {
			t.Errorf("%v: got %v, want ValidationError", bad, err)
		}
	}
}

func TestBasinMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.Set("static", map[string]string{"aeisw": "$WAPLUS_TEST_DIR/aeisw.nc"})
	cfg.Set("expressions", `{"net": "inflow - outflow"}`)
	t.Setenv("WAPLUS_TEST_DIR", "/data")
	m, err := BasinMetadata(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := waplus.DefaultBasinMetadata("Test", "out")
	want.Static.AEISW = "/data/aeisw.nc"
	want.Expressions = map[string]string{"net": "inflow - outflow"}
	if !reflect.DeepEqual(*m, want) {
		t.Errorf("got %+v\nwant %+v", *m, want)
	}

	var ve *waplus.ValidationError
	for name, set := range map[string]func(*viper.Viper){
		"static":       func(c *viper.Viper) { c.Set("static", map[string]string{"soil": "s.nc"}) },
		"month":        func(c *viper.Viper) { c.Set("hydro_year_end_month", 0) },
		"return":       func(c *viper.Viper) { c.Set("return_fraction", 1.5) },
		"calibration":  func(c *viper.Viper) { c.Set("root_depth_version", "2.0") },
		"unit":         func(c *viper.Viper) { c.Set("unit_conversion", 0.0) },
		"negative use": func(c *viper.Viper) { c.Set("lpcd", -1.0) },
	} {
		c := testConfig()
		set(c)
		if _, err := BasinMetadata(c); !errors.As(err, &ve) {
			t.Errorf("%s: got %v, want ValidationError", name, err)
		}
	}

	c := testConfig()
	c.Set("basin_name", "")
	if _, err := BasinMetadata(c); err == nil {
		t.Error("missing basin name should fail")
	}
}

func TestSMBalanceConfig(t *testing.T) {
	cfg := testConfig()
	c, err := SMBalanceConfig(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.Params, waplus.DefaultParams()) {
		t.Errorf("params: got %+v", c.Params)
	}
	if c.StartYear != 2009 || c.EndYear != 2018 || c.Initial != waplus.InitialAridity {
		t.Errorf("got %+v", c)
	}
	cfg.Set("initial_condition", "wet")
	var ve *waplus.ValidationError
	if _, err := SMBalanceConfig(cfg, nil); !errors.As(err, &ve) {
		t.Errorf("got %v, want ValidationError", err)
	}
}

func TestPreprocConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Set("inputs", map[string]string{"dailyP": "dp.nc", "P": "p.nc", "LAI": "lai.nc"})
	c, err := PreprocConfig(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.LCC != "" || c.Overlays != (waplus.LandCoverOverlays{}) {
		t.Errorf("land cover should be off by default: %+v", c)
	}

	t.Setenv("WAPLUS_TEST_DATA", "/data")
	cfg.Set("land_cover", map[string]string{
		"lcc": "$WAPLUS_TEST_DATA/lcc.nc", "protected": "wdpa.shp", "reservoirs": "grand.shp",
	})
	c, err = PreprocConfig(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := waplus.LandCoverOverlays{Protected: "wdpa.shp", Reservoirs: "grand.shp"}
	if c.LCC != "/data/lcc.nc" || c.Overlays != want {
		t.Errorf("got %s %+v", c.LCC, c.Overlays)
	}

	cfg.Set("land_cover", map[string]string{"protected": "wdpa.shp"})
	var me *waplus.MissingInputError
	if _, err := PreprocConfig(cfg, nil); !errors.As(err, &me) {
		t.Errorf("overlays without land cover: got %v, want MissingInputError", err)
	}
	cfg.Set("land_cover", map[string]string{"lcc": "lcc.nc", "lakes": "l.shp"})
	var ve *waplus.ValidationError
	if _, err := PreprocConfig(cfg, nil); !errors.As(err, &ve) {
		t.Errorf("unknown overlay: got %v, want ValidationError", err)
	}
}

func TestInputPaths(t *testing.T) {
	cfg := testConfig()
	cfg.Set("inputs", map[string]string{"eta": "et.nc", "P": "p.nc"})
	paths, err := InputPaths(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := map[waplus.VarKey]string{waplus.VarET: "et.nc", waplus.VarP: "p.nc"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("got %v, want %v", paths, want)
	}
	cfg.Set("inputs", map[string]string{"rain": "r.nc"})
	if _, err := InputPaths(cfg); err == nil {
		t.Error("unknown input should fail")
	}
}

func TestRunRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	r := newRunRecord("hydroloop", cfg)
	if r.RunID != hash.Hash(settings(cfg)) {
		t.Errorf("run id %s does not match the settings", r.RunID)
	}
	if r2 := newRunRecord("hydroloop", cfg); r2.RunID != r.RunID {
		t.Errorf("run id changed between identical runs: %s, %s", r.RunID, r2.RunID)
	}
	r.Finished = r.Started.Add(time.Minute)
	r.Error = "failed"
	if err := writeRunRecord(dir, "Test", r); err != nil {
		t.Fatal(err)
	}
	var got runRecord
	if _, err := toml.DecodeFile(filepath.Join(dir, "Test_run.toml"), &got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != r.RunID || got.Command != "hydroloop" || got.Version != waplus.Version || got.Error != "failed" {
		t.Errorf("got %+v", got)
	}
	if got.Config["basin_name"] != "Test" {
		t.Errorf("config: got %v", got.Config)
	}
}
