// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package daemon

import (
	"fmt"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	"github.com/drone-runners/drone-autoscaler/app/cloudpool/amazon"
	"github.com/drone-runners/drone-autoscaler/app/cloudpool/digitalocean"
	"github.com/drone-runners/drone-autoscaler/app/cloudpool/noop"
	"github.com/drone-runners/drone-autoscaler/command/config"
)

// providePool returns the cloud pool selected by the driver setting,
// wrapped with the retry budget.
func providePool(env *config.EnvConfig) (cloudpool.CloudPool, error) {
	var (
		pool cloudpool.CloudPool
		err  error
	)
	switch env.Pool.Driver {
	case config.DriverNoop, "":
		var opts []noop.Option
		if env.Noop.Region != "" {
			opts = append(opts, noop.WithRegion(env.Noop.Region))
		}
		if env.Noop.Size != "" {
			opts = append(opts, noop.WithSize(env.Noop.Size))
		}
		opts = append(opts, noop.WithPending(env.Noop.Pending))
		pool = noop.New(opts...)
	case config.DriverAmazon:
		pool, err = amazon.New(
			amazon.WithPoolName(env.Pool.Name),
			amazon.WithAccessKeyID(env.Amazon.AccessKeyID),
			amazon.WithSecretAccessKey(env.Amazon.AccessKeySecret),
			amazon.WithSessionToken(env.Amazon.SessionToken),
			amazon.WithRegion(env.Amazon.Region),
			amazon.WithImage(env.Amazon.Image),
			amazon.WithSize(env.Amazon.Size),
			amazon.WithSubnet(env.Amazon.Subnet),
			amazon.WithSecurityGroup(env.Amazon.SecurityGroups...),
			amazon.WithKeyPair(env.Amazon.KeyPair),
			amazon.WithUserData(env.Amazon.UserData),
			amazon.WithTags(env.Amazon.Tags),
			amazon.WithRetries(env.Amazon.Retries),
		)
	case config.DriverDigitalOcean:
		pool, err = digitalocean.New(
			digitalocean.WithPoolName(env.Pool.Name),
			digitalocean.WithPAT(env.DigitalOcean.PAT),
			digitalocean.WithRegion(env.DigitalOcean.Region),
			digitalocean.WithSize(env.DigitalOcean.Size),
			digitalocean.WithImage(env.DigitalOcean.Image),
			digitalocean.WithTags(env.DigitalOcean.Tags),
			digitalocean.WithSSHKeys(env.DigitalOcean.SSHKeys),
			digitalocean.WithUserData(env.DigitalOcean.UserData),
		)
	default:
		return nil, fmt.Errorf("unknown pool driver %q", env.Pool.Driver)
	}
	if err != nil {
		return nil, err
	}
	return cloudpool.NewRetrying(pool, env.Pool.RetryBudget), nil
}
