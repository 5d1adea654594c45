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

// Package hash computes stable identifiers for configurations.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/davecgh/go-spew/spew"
)

// printer writes a deterministic representation of values that gob
// cannot encode, such as maps of interface values.
var printer = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Hash returns a hexadecimal key for object. Equal objects give equal
// keys.
func Hash(object interface{}) string {
	if s, ok := object.(fmt.Stringer); ok {
		return s.String()
	}
	h := fnv.New128a()
	// Gob encodes maps in random order, so it is only used for values
	// without maps.
	if !hasMap(object) {
		if err := gob.NewEncoder(h).Encode(object); err == nil {
			return sum(h)
		}
		h.Reset()
	}
	printer.Fprintf(h, "%#v", object)
	return sum(h)
}

func sum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

func hasMap(object interface{}) bool {
	switch object.(type) {
	case map[string]interface{}, map[string]string:
		return true
	}
	return false
}
