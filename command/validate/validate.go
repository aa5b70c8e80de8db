// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package validate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/drone-runners/drone-autoscaler/app/autoscaler"
	"github.com/drone-runners/drone-autoscaler/app/cloudpool/noop"
	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/predictor"
	"github.com/drone-runners/drone-autoscaler/command/config"
)

type validateCommand struct {
	envFile    string
	configFile string
}

func (c *validateCommand) run(*kingpin.ParseContext) error {
	err := godotenv.Load(c.envFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	env, err := config.FromEnviron()
	if err != nil {
		return err
	}
	return check(context.Background(), os.Stdout, c.configFile, env.Autoscaler.Environ)
}

// check validates the configuration document at path against an
// in-memory pool and prints every problem found.
func check(ctx context.Context, w io.Writer, path string, environ map[string]string) error {
	document, err := config.ProcessConfigFile(path, environ)
	if err != nil {
		return err
	}
	instance := autoscaler.New(eventbus.New(), predictor.DefaultCatalog(), noop.New())
	if err := instance.Validate(ctx, document); err != nil {
		errs := multierr.Errors(err)
		for _, e := range errs {
			fmt.Fprintf(w, "- %s\n", e)
		}
		return fmt.Errorf("%s: %d configuration error(s)", path, len(errs))
	}
	fmt.Fprintf(w, "%s: configuration is valid\n", path)
	return nil
}

// Register the validate command.
func Register(app *kingpin.Application) {
	c := new(validateCommand)

	cmd := app.Command("validate", "validates an autoscaler configuration file").
		Action(c.run)
	cmd.Arg("config", "autoscaler configuration file").
		Required().
		StringVar(&c.configFile)
	cmd.Flag("envfile", "load the environment variable file").
		Default("").
		StringVar(&c.envFile)
}
