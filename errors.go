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
	"strings"
)

// MissingInputError is returned when a required input file or variable
// is absent.
type MissingInputError struct {
	Key  VarKey
	Path string
}

func (e *MissingInputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("waplus: missing required input %s", e.Key)
	}
	return fmt.Sprintf("waplus: missing required input %s (%s)", e.Key, e.Path)
}

// AlignmentError is returned when the time or spatial grid of a variable
// does not match the grid it is being combined with.
type AlignmentError struct {
	Var, Ref string
	Reason   string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("waplus: %s is not aligned with %s: %s", e.Var, e.Ref, e.Reason)
}

// ValidationError is returned for out-of-range configuration values.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("waplus: %s=%v but %s", e.Field, e.Value, e.Reason)
}

// DataAccessError is returned when a gridded file cannot be read or written.
type DataAccessError struct {
	Path string
	Err  error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("waplus: accessing %s: %v", e.Path, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// StageOrderError is returned when a hydroloop stage is run before the
// stage that produces one of its inputs.
type StageOrderError struct {
	Stage   string
	Missing string
}

func (e *StageOrderError) Error() string {
	return fmt.Sprintf("waplus: stage %s requires %s, which has not been produced", e.Stage, e.Missing)
}

// ConcurrencyError is returned when a run is requested while another run
// is still active.
type ConcurrencyError struct {
	Active string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("waplus: task already running: %s", e.Active)
}

// StageError adds the failing stage and variable to an error that occurred
// while running a hydroloop stage.
type StageError struct {
	Stage string
	Key   VarKey
	Err   error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "waplus: stage %s", e.Stage)
	if e.Key != "" {
		fmt.Fprintf(&b, " (variable %s)", e.Key)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }
