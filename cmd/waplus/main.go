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

// Command waplus is a command-line interface for the WA+ water
// accounting model.
package main

import (
	"fmt"
	"os"

	"github.com/wateraccounting/waplus/waplusutil"
)

func main() {
	if err := waplusutil.Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
