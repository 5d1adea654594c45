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

	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wateraccounting/waplus"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

type option struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

var options []option

func init() {
	basinSets := []*pflag.FlagSet{preprocCmd.Flags(), smbalanceCmd.Flags(), hydroloopCmd.Flags(), runCmd.Flags()}
	smSets := []*pflag.FlagSet{smbalanceCmd.Flags(), runCmd.Flags()}
	hlSets := []*pflag.FlagSet{hydroloopCmd.Flags(), runCmd.Flags()}

	// Options are the configuration options available to WA+.
	options = []option{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "basin_name",
			usage: `
              basin_name is the name of the basin. It is used as the prefix
              of every output file.`,
			shorthand:  "b",
			defaultVal: "",
			flagsets:   basinSets,
		},
		{
			name: "output_dir",
			usage: `
              output_dir is the directory where output files are written.
              It can include environment variables.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets:   basinSets,
		},
		{
			name: "input_dir",
			usage: `
              input_dir is a directory of input files named
              <basin>_<quantity>_<source>.nc. Files are matched to inputs
              by quantity. Paths in 'inputs' take precedence.`,
			defaultVal: "",
			flagsets:   basinSets,
		},
		{
			name: "inputs",
			usage: `
              inputs maps input keys (P, dailyP, ET, ETref, LAI, SMsat, Ari,
              LU, ProbaV, I, NRD, SM, SRO, PERC, DPERC, BF, ETG, ETB, Supply,
              ISRO) to file paths. Paths can include environment variables.`,
			defaultVal: map[string]string{},
			flagsets:   basinSets,
		},
		{
			name: "chunks",
			usage: `
              chunks is the [time, lat, lon] block shape used to bound memory
              use while processing gridded data.`,
			defaultVal: []int{1, 300, 300},
			flagsets:   basinSets,
		},
		{
			name: "log_level",
			usage: `
              log_level sets the logging verbosity (debug, info, warn or error).`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "f_perc",
			usage: `
              f_perc is the fraction of the soil moisture surplus that
              percolates. The remainder becomes runoff.`,
			defaultVal: 0.9,
			flagsets:   smSets,
		},
		{
			name: "f_Smax",
			usage: `
              f_Smax is the fraction of the saturated soil moisture that can
              be stored in the root zone.`,
			defaultVal: 0.818,
			flagsets:   smSets,
		},
		{
			name: "cf",
			usage: `
              cf is the correction factor applied to the available storage in
              the runoff calculation.`,
			defaultVal: 50.0,
			flagsets:   smSets,
		},
		{
			name: "f_bf",
			usage: `
              f_bf is the fraction of percolation that feeds baseflow.`,
			defaultVal: 0.095,
			flagsets:   smSets,
		},
		{
			name: "deep_perc_f",
			usage: `
              deep_perc_f is the fraction of percolation that leaves the
              system as deep percolation.`,
			defaultVal: 0.905,
			flagsets:   smSets,
		},
		{
			name: "root_depth_version",
			usage: `
              root_depth_version is the version of the land use calibration
              table of root depths and consumed fractions.`,
			defaultVal: "1.0",
			flagsets:   []*pflag.FlagSet{smbalanceCmd.Flags(), hydroloopCmd.Flags(), runCmd.Flags()},
		},
		{
			name: "start_year",
			usage: `
              start_year is the first year of the soil moisture balance.`,
			defaultVal: 2009,
			flagsets:   smSets,
		},
		{
			name: "end_year",
			usage: `
              end_year is the last year of the soil moisture balance.`,
			defaultVal: 2018,
			flagsets:   smSets,
		},
		{
			name: "initial_condition",
			usage: `
              initial_condition sets the soil moisture of the first month:
              'aridity' scales the storage capacity by the aridity index and
              'dry' starts from empty storage.`,
			defaultVal: "aridity",
			flagsets:   smSets,
		},
		{
			name: "hydro_year_end_month",
			usage: `
              hydro_year_end_month is the last month (1-12) of the
              hydrological year.`,
			defaultVal: 10,
			flagsets:   hlSets,
		},
		{
			name: "unit_conversion",
			usage: `
              unit_conversion divides area-weighted sums in mm·km². The
              default of 1000 gives volumes in million m³.`,
			defaultVal: 1000.0,
			flagsets:   hlSets,
		},
		{
			name: "lpcd",
			usage: `
              lpcd is the residential water demand in litres per person per day.`,
			defaultVal: 100.0,
			flagsets:   hlSets,
		},
		{
			name: "return_fraction",
			usage: `
              return_fraction is the fraction of non-consumed supply that
              returns to the basin.`,
			defaultVal: 0.5,
			flagsets:   hlSets,
		},
		{
			name: "cleanup",
			usage: `
              cleanup removes intermediate hydroloop files after a
              successful run.`,
			defaultVal: false,
			flagsets:   hlSets,
		},
		{
			name: "static",
			usage: `
              static maps static raster names (mask, dem, aeisw, population,
              wpl, ewr) to file paths. The mask can also be a polygon
              shapefile.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{smbalanceCmd.Flags(), hydroloopCmd.Flags(), runCmd.Flags()},
		},
		{
			name: "land_cover",
			usage: `
              land_cover maps 'lcc' to a WaPOR land cover file that preproc
              reclassifies to LUWA land use, and 'protected', 'reservoirs',
              'reservoir_to_lake' and 'lake_to_reservoir' to the rasters or
              polygon shapefiles used to adjust it.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{preprocCmd.Flags(), runCmd.Flags()},
		},
		{
			name: "tables",
			usage: `
              tables maps table names (inflow, outflow, consumption, tww) to
              monthly CSV or XLSX files.`,
			defaultVal: map[string]string{},
			flagsets:   hlSets,
		},
		{
			name: "expressions",
			usage: `
              expressions maps names of derived yearly quantities to
              expressions of other yearly quantities, for example
              {"NetInflow": "inflow - outflow"}.`,
			defaultVal: map[string]string{},
			flagsets:   hlSets,
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("WAPLUS")

	for _, option := range options {
		if option.defaultVal != nil {
			Cfg.SetDefault(option.name, option.defaultVal)
		}
		for _, set := range option.flagsets {
			if set.Lookup(option.name) != nil {
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				set.Bool(option.name, option.defaultVal.(bool), option.usage)
			case int:
				set.Int(option.name, option.defaultVal.(int), option.usage)
			case []int:
				set.IntSlice(option.name, option.defaultVal.([]int), option.usage)
			case float64:
				set.Float64(option.name, option.defaultVal.(float64), option.usage)
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				set.String(option.name, b.String(), option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(preprocCmd)
	Root.AddCommand(smbalanceCmd)
	Root.AddCommand(hydroloopCmd)
	Root.AddCommand(runCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("waplus: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "waplus",
	Short: "Water Accounting Plus basin water balances.",
	Long: `waplus computes Water Accounting Plus (WA+) water balances for river
basins from monthly gridded remote sensing data.
Use the subcommands specified below to run the individual steps or the
whole workflow.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'WAPLUS_var' where 'var' is the
name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of WA+.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("WA+ v%s\n", waplus.Version)
	},
	DisableAutoGenTag: true,
}

var preprocCmd = &cobra.Command{
	Use:   "preproc",
	Short: "Derive rainy days and interception",
	Long: `preproc counts the monthly rainy days in the daily precipitation
input and computes monthly interception from LAI, precipitation and
rainy days. Monthly LAI is derived from the LAI input if needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Preproc(cmd, Cfg)
	},
	DisableAutoGenTag: true,
}

var smbalanceCmd = &cobra.Command{
	Use:   "smbalance",
	Short: "Run the soil moisture balance",
	Long: `smbalance runs the monthly soil moisture balance for every pixel of
the basin and writes soil moisture, runoff, percolation, baseflow,
green and blue ET and supply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return SMBalance(cmd, Cfg)
	},
	DisableAutoGenTag: true,
}

var hydroloopCmd = &cobra.Command{
	Use:   "hydroloop",
	Short: "Run the hydroloop pipeline",
	Long: `hydroloop partitions evapotranspiration and supply by land use and
source, computes demand and return flows and writes yearly basin
summaries. The soil moisture balance outputs must be available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Hydroloop(cmd, Cfg)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole workflow",
	Long: `run preprocesses the inputs, runs the soil moisture balance and then
the hydroloop pipeline. Outputs of each step are used as inputs of the
next.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAll(cmd, Cfg)
	},
	DisableAutoGenTag: true,
}
