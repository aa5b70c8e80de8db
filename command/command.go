// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package command

import (
	"os"

	"github.com/drone-runners/drone-autoscaler/command/daemon"
	"github.com/drone-runners/drone-autoscaler/command/validate"

	"gopkg.in/alecthomas/kingpin.v2"
)

// program version
var version = "v1.0.0"

// Command parses the command line arguments and then executes a subcommand program.
func Command() {
	app := kingpin.New("drone-autoscaler", "drone machine pool autoscaler")
	daemon.Register(app)
	validate.Register(app)

	kingpin.Version(version)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
