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

// Package waplus computes Water Accounting Plus (WA+) water balances for
// river basins from monthly gridded remote sensing data.
//
// The computation has three parts. The preprocessor derives monthly
// rainy days and interception from daily precipitation and leaf area
// index. The soil moisture balance splits precipitation into storage,
// runoff, percolation and baseflow for every pixel and month. The
// hydroloop pipeline then partitions evapotranspiration and supply by
// land use and source and aggregates the results to yearly basin
// summaries.
//
// Gridded data are NetCDF files holding one variable on a
// (time, lat, lon) grid. They are processed in blocks no larger than a
// configured chunk shape.
package waplus

// Version gives the version number.
const Version = "0.1.0"
