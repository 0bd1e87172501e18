// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package daphneconfig creates daphne sessions from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config and reads a default profile from
// $HOME/.daphne/config, so the same binary moves between local and
// cluster universes without code changes.
package daphneconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"

	"github.com/MarcusParadies/daphne/exec"
)

// Path determines the location of the daphne profile read by Parse.
var Path = os.ExpandEnv("$HOME/.daphne/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the daphne configuration from Path and returns the session that
// the configuration describes. Parse panics if session creation
// fails.
func Parse() *exec.Session {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var sess *exec.Session
	config.Must("daphne", &sess)
	return sess
}
