// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package daphne implements a distributed numerical-computation
	runtime. A coordinator process ships matrix operands and compiled
	task frames to a fixed universe of worker ranks over a tagged
	message-passing transport; the workers store the operands, execute
	aggregate-reduce kernels against them, and send acknowledgments
	and results back to the coordinator.

	Sessions (package exec) manage universes. A local session hosts
	every rank inside the calling process and is the default; a
	bigmachine session provisions one machine per worker rank, so the
	same program scales from in-process testing to a cluster through a
	configuration change (package daphneconfig). Because machine
	processes re-execute the program binary, drivers that use
	bigmachine universes must call exec.Start unconditionally and
	early in main: on a machine, Start hands control to the worker
	loop and does not return.

	The remaining packages are the runtime's layers. Package wire
	defines the binary task-frame codec and the descriptor text
	format. Package matrix provides dense and compressed sparse row
	operands together with their frame encoding. Package agg
	implements the aggregate-reduce kernel family that workers
	interpret. Package comm carries the tagged message-passing
	protocol over an in-process universe or a bigmachine cluster.
	Package worker runs the rank-side listening loop, its object
	store, and the task interpreter. Packages metrics and stats count
	kernel and transport activity.
*/
package daphne
