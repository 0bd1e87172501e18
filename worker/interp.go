// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcusParadies/daphne/agg"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/errors"
)

// An Interpreter executes a compiled task frame against its resolved
// inputs, producing the task's output matrix.
type Interpreter interface {
	Execute(ctx context.Context, task wire.Task, inputs []matrix.Matrix) (matrix.Matrix, error)
}

// AggInterpreter executes full-aggregation programs of the form
// "aggall <op>", reducing a single input matrix to a 1x1 output.
type AggInterpreter struct{}

// Execute implements Interpreter.
func (AggInterpreter) Execute(ctx context.Context, task wire.Task, inputs []matrix.Matrix) (matrix.Matrix, error) {
	fields := strings.Fields(task.Code)
	if len(fields) != 2 || fields[0] != "aggall" {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("interp: unknown program %q", task.Code))
	}
	op, err := agg.ParseOp(fields[1])
	if err != nil {
		return nil, err
	}
	if len(inputs) != 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("interp: aggall takes 1 input, have %d", len(inputs)))
	}
	result, err := agg.AllErased(ctx, op, inputs[0])
	if err != nil {
		return nil, err
	}
	return result.Matrix(), nil
}
