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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/wateraccounting/waplus"
	"github.com/wateraccounting/waplus/internal/hash"
)

// checkBasin makes sure the basin name and output directory are
// specified, expanding any environment variables in the directory.
func checkBasin(cfg *viper.Viper) (name, outputDir string, err error) {
	name = cfg.GetString("basin_name")
	if name == "" {
		return "", "", fmt.Errorf(`you need to specify a basin name (for example: basin_name="Litani")`)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", "", fmt.Errorf("waplus: basin_name %q should not contain path separators", name)
	}
	outputDir = os.ExpandEnv(cfg.GetString("output_dir"))
	if outputDir == "" {
		return "", "", fmt.Errorf(`you need to specify an output directory (for example: output_dir="out")`)
	}
	return name, outputDir, nil
}

// ChunksConfig returns the chunk shape in cfg.
func ChunksConfig(cfg *viper.Viper) (waplus.ChunkShape, error) {
	c, err := toIntSliceE(cfg.Get("chunks"))
	if err != nil {
		return waplus.ChunkShape{}, fmt.Errorf("waplus: parsing chunks: %v", err)
	}
	if len(c) != 3 {
		return waplus.ChunkShape{}, &waplus.ValidationError{Field: "chunks", Value: c, Reason: "should have 3 elements"}
	}
	chunks := waplus.ChunkShape{c[0], c[1], c[2]}
	return chunks, chunks.Validate()
}

// InputPaths returns the input files in cfg. Files found by scanning
// input_dir are overridden by entries in inputs.
func InputPaths(cfg *viper.Viper) (map[waplus.VarKey]string, error) {
	paths := make(map[waplus.VarKey]string)
	if dir := os.ExpandEnv(cfg.GetString("input_dir")); dir != "" {
		m, err := waplus.ScanDir(dir, cfg.GetString("basin_name"))
		if err != nil {
			return nil, err
		}
		for _, k := range m.Keys() {
			paths[k], _ = m.Path(k)
		}
	}
	inputs, err := GetStringMapString("inputs", cfg)
	if err != nil {
		return nil, err
	}
	for name, p := range inputs {
		k, err := waplus.ParseVarKey(name)
		if err != nil {
			return nil, err
		}
		paths[k] = os.ExpandEnv(p)
	}
	return paths, nil
}

// PreprocConfig returns the preprocessor configuration in cfg.
func PreprocConfig(cfg *viper.Viper, log logrus.FieldLogger) (*waplus.PreprocConfig, error) {
	name, outputDir, err := checkBasin(cfg)
	if err != nil {
		return nil, err
	}
	chunks, err := ChunksConfig(cfg)
	if err != nil {
		return nil, err
	}
	paths, err := InputPaths(cfg)
	if err != nil {
		return nil, err
	}
	for _, k := range []waplus.VarKey{waplus.VarDailyP, waplus.VarP, waplus.VarLAI} {
		if paths[k] == "" {
			return nil, &waplus.MissingInputError{Key: k}
		}
	}
	lc, err := GetStringMapString("land_cover", cfg)
	if err != nil {
		return nil, err
	}
	for k := range lc {
		switch k {
		case "lcc", "protected", "reservoirs", "reservoir_to_lake", "lake_to_reservoir":
		default:
			return nil, &waplus.ValidationError{Field: "land_cover", Value: k,
				Reason: "should be one of lcc, protected, reservoirs, reservoir_to_lake or lake_to_reservoir"}
		}
	}
	if lc["lcc"] == "" && len(lc) > 0 {
		return nil, &waplus.MissingInputError{Key: "lcc"}
	}
	return &waplus.PreprocConfig{
		BasinName: name,
		OutputDir: outputDir,
		Chunks:    chunks,
		DailyP:    paths[waplus.VarDailyP],
		P:         paths[waplus.VarP],
		LAI:       paths[waplus.VarLAI],
		LCC:       os.ExpandEnv(lc["lcc"]),
		Overlays: waplus.LandCoverOverlays{
			Protected:       os.ExpandEnv(lc["protected"]),
			Reservoirs:      os.ExpandEnv(lc["reservoirs"]),
			ReservoirToLake: os.ExpandEnv(lc["reservoir_to_lake"]),
			LakeToReservoir: os.ExpandEnv(lc["lake_to_reservoir"]),
		},
		Log: log,
	}, nil
}

// SMBalanceConfig returns the soil moisture balance configuration in cfg.
func SMBalanceConfig(cfg *viper.Viper, log logrus.FieldLogger) (*waplus.SMBalanceConfig, error) {
	name, outputDir, err := checkBasin(cfg)
	if err != nil {
		return nil, err
	}
	chunks, err := ChunksConfig(cfg)
	if err != nil {
		return nil, err
	}
	static, err := GetStringMapString("static", cfg)
	if err != nil {
		return nil, err
	}
	c := &waplus.SMBalanceConfig{
		Params: waplus.Params{
			FPerc:            cfg.GetFloat64("f_perc"),
			FSmax:            cfg.GetFloat64("f_Smax"),
			CF:               cfg.GetFloat64("cf"),
			FBf:              cfg.GetFloat64("f_bf"),
			DeepPercF:        cfg.GetFloat64("deep_perc_f"),
			RootDepthVersion: cfg.GetString("root_depth_version"),
		},
		StartYear: cfg.GetInt("start_year"),
		EndYear:   cfg.GetInt("end_year"),
		Chunks:    chunks,
		BasinName: name,
		OutputDir: outputDir,
		Mask:      os.ExpandEnv(static["mask"]),
		Initial:   waplus.InitialCondition(cfg.GetString("initial_condition")),
		Log:       log,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// BasinMetadata returns the hydroloop basin settings in cfg.
func BasinMetadata(cfg *viper.Viper) (*waplus.BasinMetadata, error) {
	name, outputDir, err := checkBasin(cfg)
	if err != nil {
		return nil, err
	}
	chunks, err := ChunksConfig(cfg)
	if err != nil {
		return nil, err
	}
	static, err := GetStringMapString("static", cfg)
	if err != nil {
		return nil, err
	}
	for k := range static {
		switch k {
		case "mask", "dem", "aeisw", "population", "wpl", "ewr":
		default:
			return nil, &waplus.ValidationError{Field: "static", Value: k,
				Reason: "should be one of mask, dem, aeisw, population, wpl or ewr"}
		}
	}
	exprs, err := GetStringMapString("expressions", cfg)
	if err != nil {
		return nil, err
	}
	m := &waplus.BasinMetadata{
		Name:              name,
		HydroYearEndMonth: cfg.GetInt("hydro_year_end_month"),
		OutputDir:         outputDir,
		Static: waplus.StaticRasters{
			Mask:       os.ExpandEnv(static["mask"]),
			DEM:        os.ExpandEnv(static["dem"]),
			AEISW:      os.ExpandEnv(static["aeisw"]),
			Population: os.ExpandEnv(static["population"]),
			WPL:        os.ExpandEnv(static["wpl"]),
			EWR:        os.ExpandEnv(static["ewr"]),
		},
		UnitConversion:   cfg.GetFloat64("unit_conversion"),
		Chunks:           chunks,
		LPCD:             cfg.GetFloat64("lpcd"),
		ReturnFraction:   cfg.GetFloat64("return_fraction"),
		RootDepthVersion: cfg.GetString("root_depth_version"),
		Expressions:      exprs,
		Cleanup:          cfg.GetBool("cleanup"),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// TablesConfig reads the auxiliary tables listed in cfg.
func TablesConfig(cfg *viper.Viper) (waplus.Tables, error) {
	paths, err := GetStringMapString("tables", cfg)
	if err != nil {
		return nil, err
	}
	for k, v := range paths {
		paths[k] = os.ExpandEnv(v)
	}
	return waplus.LoadTables(paths)
}

func toIntSliceE(s interface{}) ([]int, error) {
	switch v := s.(type) {
	case []int:
		return v, nil
	case []interface{}:
		return cast.ToIntSliceE(v)
	case string:
		var o []int
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, err
		}
		return o, nil
	}
	return nil, fmt.Errorf("invalid type %T for integer list", s)
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i := cfg.Get(varName)
	switch v := i.(type) {
	case nil:
		return make(map[string]string), nil
	case map[string]string:
		o := make(map[string]string, len(v))
		for k, val := range v {
			o[k] = val
		}
		return o, nil
	case map[string]interface{}:
		return cast.ToStringMapStringE(v)
	case string:
		o := make(map[string]string)
		if v == "" {
			return o, nil
		}
		d := json.NewDecoder(bytes.NewBufferString(v))
		if err := d.Decode(&o); err != nil {
			return nil, fmt.Errorf("waplus: parsing %s: %v", varName, err)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("waplus: invalid type for %s: %#v", varName, i)
	}
}

// runRecord is written to the output directory for every run.
type runRecord struct {
	RunID    string
	Command  string
	Version  string
	Started  time.Time
	Finished time.Time
	Error    string `toml:",omitempty"`
	Config   map[string]interface{}
}

// settings returns the resolved configuration in cfg.
func settings(cfg *viper.Viper) map[string]interface{} {
	s := make(map[string]interface{}, len(options))
	for _, o := range options {
		if o.name == "config" {
			continue
		}
		s[o.name] = cfg.Get(o.name)
	}
	return s
}

// writeRunRecord saves r as TOML to <outputDir>/<basin>_run.toml.
func writeRunRecord(outputDir, basin string, r *runRecord) error {
	path := filepath.Join(outputDir, basin+"_run.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("waplus: creating run record: %v", err)
	}
	if err := toml.NewEncoder(f).Encode(r); err != nil {
		f.Close()
		return fmt.Errorf("waplus: writing run record: %v", err)
	}
	return f.Close()
}

// newRunRecord starts the record of a run of command.
func newRunRecord(command string, cfg *viper.Viper) *runRecord {
	s := settings(cfg)
	return &runRecord{
		RunID:   hash.Hash(s),
		Command: command,
		Version: waplus.Version,
		Started: time.Now(),
		Config:  s,
	}
}

// newLogger returns a logger that writes to w and to
// <outputDir>/<basin>.log. The returned closer closes the log file.
func newLogger(w io.Writer, outputDir, basin, level string) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, &waplus.ValidationError{Field: "log_level", Value: level, Reason: err.Error()}
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("waplus: creating output directory: %v", err)
	}
	logfile, err := os.OpenFile(filepath.Join(outputDir, basin+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("waplus: problem creating log file: %v", err)
	}
	log := logrus.New()
	log.Out = io.MultiWriter(w, logfile)
	log.Level = lvl
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	return log, logfile, nil
}
