// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Pool driver enumeration.
const (
	DriverNoop         = "noop"
	DriverAmazon       = "amazon"
	DriverDigitalOcean = "digitalocean"
)

// EnvConfig stores the process configuration.
type EnvConfig struct {
	Debug bool `envconfig:"AUTOSCALER_DEBUG"`
	Trace bool `envconfig:"AUTOSCALER_TRACE"`

	Server struct {
		Port string `envconfig:"AUTOSCALER_HTTP_BIND" default:":8080"`
	}

	Autoscaler struct {
		ConfigFile string            `envconfig:"AUTOSCALER_CONFIG_FILE"`
		EnvFile    string            `envconfig:"AUTOSCALER_CONFIG_ENV_FILE"`
		Environ    map[string]string `envconfig:"AUTOSCALER_CONFIG_ENVIRON"`
	}

	Pool struct {
		Driver      string        `envconfig:"AUTOSCALER_POOL_DRIVER" default:"noop"`
		Name        string        `envconfig:"AUTOSCALER_POOL_NAME" default:"default"`
		RetryBudget time.Duration `envconfig:"AUTOSCALER_POOL_RETRY_BUDGET" default:"30s"`
	}

	Noop struct {
		Region  string `envconfig:"AUTOSCALER_NOOP_REGION"`
		Size    string `envconfig:"AUTOSCALER_NOOP_SIZE"`
		Pending bool   `envconfig:"AUTOSCALER_NOOP_PENDING"`
	}

	Amazon struct {
		AccessKeyID     string            `envconfig:"AUTOSCALER_AMAZON_ACCESS_KEY_ID"`
		AccessKeySecret string            `envconfig:"AUTOSCALER_AMAZON_ACCESS_KEY_SECRET"`
		SessionToken    string            `envconfig:"AUTOSCALER_AMAZON_SESSION_TOKEN"`
		Region          string            `envconfig:"AUTOSCALER_AMAZON_REGION"`
		Image           string            `envconfig:"AUTOSCALER_AMAZON_IMAGE"`
		Size            string            `envconfig:"AUTOSCALER_AMAZON_SIZE"`
		Subnet          string            `envconfig:"AUTOSCALER_AMAZON_SUBNET_ID"`
		SecurityGroups  []string          `envconfig:"AUTOSCALER_AMAZON_SECURITY_GROUPS"`
		KeyPair         string            `envconfig:"AUTOSCALER_AMAZON_KEY_PAIR"`
		UserData        string            `envconfig:"AUTOSCALER_AMAZON_USER_DATA"`
		Tags            map[string]string `envconfig:"AUTOSCALER_AMAZON_TAGS"`
		Retries         int               `envconfig:"AUTOSCALER_AMAZON_RETRIES"`
	}

	DigitalOcean struct {
		PAT      string   `envconfig:"AUTOSCALER_DIGITALOCEAN_TOKEN"`
		Region   string   `envconfig:"AUTOSCALER_DIGITALOCEAN_REGION"`
		Size     string   `envconfig:"AUTOSCALER_DIGITALOCEAN_SIZE"`
		Image    string   `envconfig:"AUTOSCALER_DIGITALOCEAN_IMAGE"`
		Tags     []string `envconfig:"AUTOSCALER_DIGITALOCEAN_TAGS"`
		SSHKeys  []string `envconfig:"AUTOSCALER_DIGITALOCEAN_SSH_KEYS"`
		UserData string   `envconfig:"AUTOSCALER_DIGITALOCEAN_USER_DATA"`
	}

	Database struct {
		Path string `envconfig:"AUTOSCALER_DATABASE_PATH"`
	}

	History struct {
		Disabled        bool          `envconfig:"AUTOSCALER_HISTORY_DISABLED"`
		Buffer          int           `envconfig:"AUTOSCALER_HISTORY_BUFFER" default:"1024"`
		Retention       time.Duration `envconfig:"AUTOSCALER_HISTORY_RETENTION" default:"168h"`
		CleanupInterval time.Duration `envconfig:"AUTOSCALER_HISTORY_CLEANUP_INTERVAL" default:"1h"`
	}
}

// legacy environment variables. the key is the legacy
// variable name, and the value is the new variable name.
var legacy = map[string]string{
	"DRONE_DEBUG": "AUTOSCALER_DEBUG",
	"DRONE_TRACE": "AUTOSCALER_TRACE",
}

func FromEnviron() (EnvConfig, error) {
	// loop through legacy environment variable and, if set
	// rewrite to the new variable name.
	for k, v := range legacy {
		if s, ok := os.LookupEnv(k); ok {
			if _, set := os.LookupEnv(v); !set {
				os.Setenv(v, s)
			}
		}
	}

	var config EnvConfig
	err := envconfig.Process("", &config)
	if err != nil {
		return config, err
	}
	if config.Autoscaler.Environ == nil {
		config.Autoscaler.Environ = map[string]string{}
	}

	// variables substituted into the configuration document
	// can be sourced from a separate file.
	if file := config.Autoscaler.EnvFile; file != "" {
		envs, err := godotenv.Read(file)
		if err != nil {
			return config, err
		}
		for k, v := range envs {
			config.Autoscaler.Environ[k] = v
		}
	}
	return config, nil
}
