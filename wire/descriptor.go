// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Descriptor names a stored distributed object and carries its
// dimensions. Descriptors travel inside task frames and, in textual
// form, inside data acknowledgements.
type Descriptor struct {
	Identifier string
	NumRows    uint64
	NumCols    uint64
}

// String renders the descriptor in the acknowledgement format
// "identifier,rows,cols".
func (d Descriptor) String() string {
	return d.Identifier + "," +
		strconv.FormatUint(d.NumRows, 10) + "," +
		strconv.FormatUint(d.NumCols, 10)
}

// ParseDescriptor parses the textual acknowledgement format
// "identifier,rows,cols". The dimensions must be decimal non-negative
// integers. Identifiers must not contain commas: a comma in an
// identifier makes the encoding ambiguous, so inputs with more than
// three fields are rejected rather than re-joined. Malformed inputs
// return an Invalid-kind error.
func ParseDescriptor(s string) (Descriptor, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return Descriptor{}, errors.E(errors.Invalid,
			fmt.Sprintf("wire: malformed descriptor %q: %d fields, need 3", s, len(fields)))
	}
	rows, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Descriptor{}, errors.E(errors.Invalid,
			fmt.Sprintf("wire: malformed descriptor %q: bad row count %q", s, fields[1]))
	}
	cols, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Descriptor{}, errors.E(errors.Invalid,
			fmt.Sprintf("wire: malformed descriptor %q: bad column count %q", s, fields[2]))
	}
	return Descriptor{Identifier: fields[0], NumRows: rows, NumCols: cols}, nil
}
