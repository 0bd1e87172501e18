// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Daphne is a demo driver for the daphne runtime. It loads or
// generates a dense matrix, scatters its row blocks across the
// session's worker ranks, runs an aggregate-reduce kernel on every
// rank, and reduces the partial results at the coordinator.
//
// The session is configured through the profile mechanism in
// github.com/grailbio/base/config. For example,
//
//	daphne -op max input.csv
//
// runs over the default local universe; a profile at
// $HOME/.daphne/config can resize the universe or point it at a
// bigmachine cluster instead.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/MarcusParadies/daphne/agg"
	"github.com/MarcusParadies/daphne/daphneconfig"
	"github.com/MarcusParadies/daphne/exec"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: daphne [flags] [input]

Daphne scatters a dense float64 matrix across the worker ranks of a
computation universe, aggregates it there, and reduces the partial
results. The input is a comma-separated matrix file readable from
any registered grailfile scheme (for example s3://); when no input
is given, a random matrix of the requested shape is generated.
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		op   = flag.String("op", "sum", "the aggregation to run: sum, prod, min, max, and, or, or mean")
		rows = flag.Int("rows", 64, "rows in the generated matrix")
		cols = flag.Int("cols", 32, "columns in the generated matrix")
		seed = flag.Int64("seed", 0, "seed for the generated matrix")
		show = flag.Bool("status", false, "print status to stdout")
	)
	log.AddFlags()
	log.SetPrefix("daphne: ")
	must.Func = log.Fatal
	flag.Usage = usage
	sess := daphneconfig.Parse()
	defer sess.Shutdown()
	if *show {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}

	ctx := context.Background()
	aggOp, err := agg.ParseOp(*op)
	must.Nil(err, "bad -op")

	var m *matrix.Dense[float64]
	if flag.NArg() > 0 {
		m, err = readMatrix(ctx, flag.Arg(0))
		must.Nil(err, flag.Arg(0))
	} else {
		m = randomMatrix(*rows, *cols, *seed)
	}
	log.Printf("scattering %dx%d matrix across %d ranks", m.NumRows, m.NumCols, sess.Ranks()-1)
	acks, err := sess.Scatter(ctx, "input", m)
	must.Nil(err, "scatter")

	value, err := aggregate(ctx, sess, aggOp, acks, m.NumRows*m.NumCols)
	must.Nil(err, "aggregate")
	log.Printf("session stats: %s", sess.Stats())
	fmt.Printf("%s(%dx%d) = %g\n", aggOp, m.NumRows, m.NumCols, value)
}

// aggregate runs the aggregation on every rank and reduces the
// partial results. Mean cannot be combined from per-rank means, so
// it is computed as a distributed sum divided by the cell count at
// the coordinator.
func aggregate(ctx context.Context, sess *exec.Session, op agg.Op, acks map[int]wire.Descriptor, cells int) (float64, error) {
	distOp := op
	if op == agg.Mean {
		distOp = agg.Sum
	}
	inputs := make(map[int][]wire.Descriptor, len(acks))
	for rank, d := range acks {
		inputs[rank] = []wire.Descriptor{d}
	}
	results, err := sess.RunAll(ctx, "aggall "+distOp.String(), inputs)
	if err != nil {
		return 0, err
	}
	total, err := agg.FromMatrix(results[0].Output)
	if err != nil {
		return 0, err
	}
	for _, res := range results[1:] {
		part, err := agg.FromMatrix(res.Output)
		if err != nil {
			return 0, err
		}
		total, err = agg.Combine(ctx, distOp, total, part)
		if err != nil {
			return 0, err
		}
	}
	value := total.Float64()
	if op == agg.Mean {
		value /= float64(cells)
	}
	return value, nil
}

// readMatrix loads a comma-separated float64 matrix from the named
// grailfile path. Every record must have the same number of fields.
func readMatrix(ctx context.Context, path string) (*matrix.Dense[float64], error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	records, err := csv.NewReader(f.Reader(ctx)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: empty matrix", path))
	}
	m := matrix.NewDense[float64](len(records), len(records[0]))
	for i, record := range records {
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: row %d, column %d", path, i, j), err)
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// randomMatrix fills a rows by cols matrix with uniform values in
// [0, 1).
func randomMatrix(rows, cols int, seed int64) *matrix.Dense[float64] {
	r := rand.New(rand.NewSource(seed))
	m := matrix.NewDense[float64](rows, cols)
	for i := range m.Values {
		m.Values[i] = r.Float64()
	}
	return m
}
