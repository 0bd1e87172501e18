// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MarcusParadies/daphne/agg"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"
)

func init() {
	log.AddFlags()
}

func clusterSystem() *testsystem.System {
	sys := testsystem.New()
	sys.Machineprocs = 1
	// Customize timeouts so that tests run faster.
	sys.KeepalivePeriod = time.Second
	sys.KeepaliveTimeout = 5 * time.Second
	sys.KeepaliveRpcTimeout = time.Second
	return sys
}

var sessions = map[string]func() Option{
	"Local":           func() Option { return Local(3) },
	"Bigmachine.Test": func() Option { return Bigmachine(clusterSystem(), 3) },
}

func testSession(t *testing.T, run func(t *testing.T, sess *Session)) {
	t.Helper()
	for name, opt := range sessions {
		t.Run(name, func(t *testing.T) {
			sess, err := Start(opt())
			if err != nil {
				t.Fatal(err)
			}
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

func TestSessionEndToEnd(t *testing.T) {
	testSession(t, func(t *testing.T, sess *Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if got, want := sess.Ranks(), 3; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}

		m := matrix.DenseOf(4, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
		acks, err := sess.Scatter(ctx, "m", m)
		if err != nil {
			t.Fatal(err)
		}
		want := map[int]wire.Descriptor{
			1: {Identifier: "m/0-of-2", NumRows: 2, NumCols: 3},
			2: {Identifier: "m/1-of-2", NumRows: 2, NumCols: 3},
		}
		if !reflect.DeepEqual(acks, want) {
			t.Fatalf("got %v, want %v", acks, want)
		}

		results, err := sess.RunAll(ctx, "aggall sum", map[int][]wire.Descriptor{
			1: {acks[1]},
			2: {acks[2]},
		})
		if err != nil {
			t.Fatal(err)
		}
		total, err := agg.FromMatrix(results[0].Output)
		if err != nil {
			t.Fatal(err)
		}
		for _, res := range results[1:] {
			part, err := agg.FromMatrix(res.Output)
			if err != nil {
				t.Fatal(err)
			}
			total, err = agg.Combine(ctx, agg.Sum, total, part)
			if err != nil {
				t.Fatal(err)
			}
		}
		if got, want := total.Float64(), 78.0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := results[0].Stored, (wire.Descriptor{Identifier: "out/1/0", NumRows: 1, NumCols: 1}); got != want {
			t.Errorf("got %v, want %v", got, want)
		}

		backs, err := sess.Broadcast(ctx, "b", matrix.DenseOf(2, 3, []float64{1, 2, 3, 4, 5, 6}))
		if err != nil {
			t.Fatal(err)
		}
		for rank := 1; rank < sess.Ranks(); rank++ {
			if got, want := backs[rank], (wire.Descriptor{Identifier: "b", NumRows: 2, NumCols: 3}); got != want {
				t.Errorf("rank %d: got %v, want %v", rank, got, want)
			}
		}
		res, err := sess.Run(ctx, 2, "aggall mean", backs[2])
		if err != nil {
			t.Fatal(err)
		}
		mean, err := agg.FromMatrix(res.Output)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := mean.Float64(), 3.5; got != want {
			t.Errorf("got %v, want %v", got, want)
		}

		// A failed frame surfaces as a remote error and leaves the
		// rank serving.
		_, err = sess.Run(ctx, 1, "aggall stddev", acks[1])
		if err == nil || !errors.Is(errors.Remote, err) {
			t.Fatalf("got %v, want a remote error", err)
		}
		if !strings.Contains(err.Error(), "stddev") {
			t.Errorf("error %v does not name the failing opcode", err)
		}
		res, err = sess.Run(ctx, 1, "aggall max", acks[1])
		if err != nil {
			t.Fatal(err)
		}
		max, err := agg.FromMatrix(res.Output)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := max.Float64(), 6.0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}

		if len(sess.local) > 0 {
			// 12 scattered cells, 6 for the mean, 6 for the max; the
			// failed frame never scans.
			if got, want := agg.CellsScanned.Value(sess.Metrics()), int64(24); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
		values := sess.Stats()
		if values["send.messages"] == 0 || values["recv.messages"] == 0 {
			t.Errorf("transport counters missing from %s", values)
		}

		if err := sess.Detach(ctx); err != nil {
			t.Fatal(err)
		}
		if err := sess.Detach(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := sess.Run(ctx, 1, "aggall sum", acks[1]); !errors.Is(errors.Invalid, err) {
			t.Errorf("got %v, want an invalid error", err)
		}
	})
}

func TestSessionNames(t *testing.T) {
	sess, err := Start(Local(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	ctx := context.Background()
	m := matrix.DenseOf(1, 1, []float64{1})
	if _, err := sess.Broadcast(ctx, "x", m); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Scatter(ctx, "x", m); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want an exists error", err)
	}
	for _, name := range []string{"", "a,b", "a\nb"} {
		if _, err := sess.Broadcast(ctx, name, m); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want an invalid error", name, err)
		}
	}
}

func TestSessionRunBadRank(t *testing.T) {
	sess, err := Start(Local(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	ctx := context.Background()
	for _, rank := range []int{-1, 0, 2, 5} {
		if _, err := sess.Run(ctx, rank, "aggall sum"); !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want an invalid error", rank, err)
		}
	}
}

func TestSessionDefault(t *testing.T) {
	sess, err := Start()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if got, want := sess.Ranks(), DefaultRanks; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
