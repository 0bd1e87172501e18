// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("daphne", func(inst *config.Constructor) {
		var (
			ranks    int
			storeDir string
			system   bigmachine.System
		)
		inst.IntVar(&ranks, "ranks", DefaultRanks, "the number of ranks in the universe, coordinator included")
		inst.StringVar(&storeDir, "store", "", "grailfile prefix under which worker ranks keep their objects")
		inst.InstanceVar(&system, "system", "", "the bigmachine system hosting worker ranks")
		inst.Doc = "daphne configures the distributed numerical runtime"
		inst.New = func() (interface{}, error) {
			options := []Option{StoreDir(storeDir)}
			if system != nil {
				options = append(options, Bigmachine(system, ranks))
			} else {
				options = append(options, Local(ranks))
			}
			return Start(options...)
		}
	})
}
