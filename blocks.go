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
	"context"

	"github.com/ctessum/sparse"
	"golang.org/x/sync/errgroup"
)

// blockFunc receives the blocks of every input for time steps
// [t0, t0+blocks[i].Shape[0]) within window w.
type blockFunc func(t0 int, w Window, blocks []*sparse.DenseArray) error

// forEachBlock reads inputs in blocks no larger than chunks and calls fn
// for each of them. Windows are visited in the outer loop and time in the
// inner loop, so fn sees every time step of a window in chronological
// order before the next window starts. The inputs of a block are read
// concurrently.
func forEachBlock(ctx context.Context, chunks ChunkShape, nt int, inputs []*GriddedVariable, fn blockFunc) error {
	_, ny, nx := inputs[0].Shape()
	for _, w := range chunks.Windows(ny, nx) {
		for t0 := 0; t0 < nt; t0 += chunks[0] {
			t1 := min(t0+chunks[0], nt)
			blocks := make([]*sparse.DenseArray, len(inputs))
			g, _ := errgroup.WithContext(ctx)
			for i, v := range inputs {
				i, v := i, v
				g.Go(func() error {
					b, err := v.Block(t0, t1, w)
					blocks[i] = b
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := fn(t0, w, blocks); err != nil {
				return err
			}
		}
	}
	return nil
}

// pixelFunc computes out for the pixel at row j, column i and time step t
// from the input values in.
type pixelFunc func(t, j, i int, in, out []float64)

// mapPixels applies f to every pixel of inputs and writes the results to
// outputs, which must share the grid of inputs.
func mapPixels(ctx context.Context, chunks ChunkShape, nt int, inputs []*GriddedVariable, outputs []*GridWriter, f pixelFunc) error {
	in := make([]float64, len(inputs))
	out := make([]float64, len(outputs))
	return forEachBlock(ctx, chunks, nt, inputs, func(t0 int, w Window, blocks []*sparse.DenseArray) error {
		bnt, bny, bnx := blocks[0].Shape[0], blocks[0].Shape[1], blocks[0].Shape[2]
		res := make([]*sparse.DenseArray, len(outputs))
		for o := range res {
			res[o] = sparse.ZerosDense(bnt, bny, bnx)
		}
		for k := 0; k < bnt; k++ {
			for jj := 0; jj < bny; jj++ {
				for ii := 0; ii < bnx; ii++ {
					p := (k*bny+jj)*bnx + ii
					for n, b := range blocks {
						in[n] = b.Elements[p]
					}
					f(t0+k, w.J0+jj, w.I0+ii, in, out)
					for o, r := range res {
						r.Elements[p] = out[o]
					}
				}
			}
		}
		for o, r := range res {
			if err := outputs[o].WriteBlock(t0, w.J0, w.I0, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// createAll opens a writer for each template, aborting the ones already
// created if any fails.
func createAll(paths []string, tmpls []*GriddedVariable) ([]*GridWriter, error) {
	ws := make([]*GridWriter, 0, len(tmpls))
	for i, t := range tmpls {
		w, err := Create(paths[i], t)
		if err != nil {
			abortAll(ws)
			return nil, err
		}
		ws = append(ws, w)
	}
	return ws, nil
}

func abortAll(ws []*GridWriter) {
	for _, w := range ws {
		w.Abort()
	}
}

// closeAll closes every writer and returns the written variables.
func closeAll(ws []*GridWriter) ([]*GriddedVariable, error) {
	vs := make([]*GriddedVariable, len(ws))
	var firstErr error
	for i, w := range ws {
		v, err := w.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		vs[i] = v
	}
	return vs, firstErr
}
