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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VarKey identifies a gridded variable within a basin dataset.
type VarKey string

// Input variables.
const (
	VarP      VarKey = "P"      // monthly precipitation [mm/month]
	VarDailyP VarKey = "dailyP" // daily precipitation [mm/day]
	VarET     VarKey = "ET"     // actual evapotranspiration [mm/month]
	VarETref  VarKey = "ETref"  // reference evapotranspiration [mm/month]
	VarLAI    VarKey = "LAI"
	VarSMsat  VarKey = "SMsat"
	VarAri    VarKey = "Ari"
	VarLU     VarKey = "LU"
	VarProbaV VarKey = "ProbaV"
	VarI      VarKey = "I"   // interception [mm/month]
	VarNRD    VarKey = "NRD" // number of rainy days

	// Soil moisture balance outputs, which are hydroloop inputs.
	VarSM     VarKey = "SM"
	VarSRO    VarKey = "SRO"
	VarPERC   VarKey = "PERC"
	VarDPERC  VarKey = "DPERC"
	VarBF     VarKey = "BF"
	VarETG    VarKey = "ETG"
	VarETB    VarKey = "ETB"
	VarSupply VarKey = "Supply"
	VarISRO   VarKey = "ISRO"
)

// Variables derived by the hydroloop stages.
const (
	VarLUMonthly         VarKey = "LUmonthly"
	VarETRain            VarKey = "ETrain"
	VarETIncr            VarKey = "ETincr"
	VarSupplySW          VarKey = "SupplySW"
	VarSupplyGW          VarKey = "SupplyGW"
	VarDemand            VarKey = "Demand"
	VarUnmetDemand       VarKey = "UnmetDemand"
	VarReturnSW          VarKey = "ReturnSW"
	VarReturnGW          VarKey = "ReturnGW"
	VarResidentialSupply VarKey = "ResidentialSupply"
	VarReturnTotal       VarKey = "ReturnTotal"
	VarSupplyTotal       VarKey = "SupplyTotal"
	VarFracSW            VarKey = "FracSW"
	VarFracGW            VarKey = "FracGW"
	VarFracResidential   VarKey = "FracResidential"
	VarConsumedFraction  VarKey = "ConsumedFraction"
)

// inputKeys is the closed set of keys that may appear in a Manifest.
var inputKeys = map[VarKey]bool{
	VarP: true, VarDailyP: true, VarET: true, VarETref: true, VarLAI: true,
	VarSMsat: true, VarAri: true, VarLU: true, VarProbaV: true, VarI: true,
	VarNRD: true, VarSM: true, VarSRO: true, VarPERC: true, VarDPERC: true,
	VarBF: true, VarETG: true, VarETB: true, VarSupply: true, VarISRO: true,
}

// keyAliases maps lower-case quantity tokens found in file names to keys.
var keyAliases = map[string]VarKey{
	"eta":      VarET,
	"nrd":      VarNRD,
	"perco":    VarPERC,
	"dperco":   VarDPERC,
	"aridity":  VarAri,
	"ndm":      VarProbaV,
	"luwa":     VarLU,
	"thetasat": VarSMsat,
}

// balanceAliases are the names older soil moisture balance runs gave to
// blue and green ET. The hydroloop writes its own ETincr and ETrain, so
// these only apply to files whose source token is in balanceSources.
var balanceAliases = map[string]VarKey{
	"etincr": VarETB,
	"etrain": VarETG,
}

var balanceSources = map[string]bool{"monthly": true, "smbalance": true}

// ParseVarKey returns the input key named by s, which may be a key or one
// of the quantity aliases used in file names. Matching is case-insensitive.
func ParseVarKey(s string) (VarKey, error) {
	for k := range inputKeys {
		if strings.EqualFold(string(k), s) {
			return k, nil
		}
	}
	if k, ok := keyAliases[strings.ToLower(s)]; ok {
		return k, nil
	}
	return "", &ValidationError{Field: "input key", Value: s, Reason: "is not a recognized variable key"}
}

// Manifest maps input variable keys to the files holding them.
// It is built once at pipeline entry and is read-only afterwards.
type Manifest struct {
	paths map[VarKey]string
}

// NewManifest validates paths and returns a Manifest. Unknown keys and
// empty paths are rejected.
func NewManifest(paths map[VarKey]string) (*Manifest, error) {
	m := &Manifest{paths: make(map[VarKey]string, len(paths))}
	for k, p := range paths {
		if !inputKeys[k] {
			return nil, &ValidationError{Field: "input key", Value: k, Reason: "is not a recognized variable key"}
		}
		if p == "" {
			return nil, &MissingInputError{Key: k}
		}
		m.paths[k] = p
	}
	return m, nil
}

// ScanDir builds a Manifest from the NetCDF files in dir whose names follow
// the pattern <basin>_<quantity>_<source>.nc. Files that do not match are
// ignored. Two files resolving to the same key are an error.
func ScanDir(dir, basin string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DataAccessError{Path: dir, Err: err}
	}
	paths := make(map[VarKey]string)
	prefix := basin + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".nc" || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".nc")
		quantity, source := rest, ""
		if i := strings.Index(rest, "_"); i >= 0 {
			quantity, source = rest[:i], rest[i+1:]
		}
		k, ok := balanceAliases[strings.ToLower(quantity)]
		if ok && !balanceSources[strings.ToLower(source)] {
			continue
		}
		if !ok {
			if k, err = ParseVarKey(quantity); err != nil {
				continue
			}
		}
		if prev, ok := paths[k]; ok {
			return nil, &ValidationError{Field: string(k), Value: name,
				Reason: fmt.Sprintf("is ambiguous with %s", filepath.Base(prev))}
		}
		paths[k] = filepath.Join(dir, name)
	}
	return NewManifest(paths)
}

// Path returns the file for k and whether it is present.
func (m *Manifest) Path(k VarKey) (string, bool) {
	p, ok := m.paths[k]
	return p, ok
}

// Require returns a MissingInputError for the first of keys that is absent.
func (m *Manifest) Require(keys ...VarKey) error {
	for _, k := range keys {
		if _, ok := m.paths[k]; !ok {
			return &MissingInputError{Key: k}
		}
	}
	return nil
}

// Keys returns the keys present in m in sorted order.
func (m *Manifest) Keys() []VarKey {
	keys := make([]VarKey, 0, len(m.paths))
	for k := range m.paths {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// With returns a copy of m with the entries of paths added. Entries in
// paths replace existing entries for the same key.
func (m *Manifest) With(paths map[VarKey]string) (*Manifest, error) {
	all := make(map[VarKey]string, len(m.paths)+len(paths))
	for k, p := range m.paths {
		all[k] = p
	}
	for k, p := range paths {
		all[k] = p
	}
	return NewManifest(all)
}
