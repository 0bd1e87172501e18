// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import "github.com/grailbio/base/must"

// RowBlocks partitions m into n consecutive row blocks of near-equal
// size: the first rows%n blocks carry one extra row. Blocks are views
// aliasing m's storage, so they are cheap to take but must not outlive
// mutations of the parent. Blocks may be empty when m has fewer than n
// rows.
func RowBlocks(m Matrix, n int) []Matrix {
	must.Truef(n >= 1, "matrix: cannot partition into %d row blocks", n)
	base, extra := m.Rows()/n, m.Rows()%n
	blocks := make([]Matrix, n)
	var from int
	for i := range blocks {
		to := from + base
		if i < extra {
			to++
		}
		blocks[i] = m.rowRange(from, to)
		from = to
	}
	return blocks
}
