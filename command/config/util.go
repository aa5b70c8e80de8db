// Copyright 2020 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drone/envsubst"
	"github.com/ghodss/yaml"

	"github.com/drone-runners/drone-autoscaler/types"
)

// ProcessConfigFile reads the autoscaler configuration document at
// path. Variables are resolved from environ first, then from the
// process environment.
func ProcessConfigFile(path string, environ map[string]string) (*types.AutoscalerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data := io.NopCloser(
		bytes.NewBuffer(raw),
	)
	cfg, err := Parse(data, environ)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses the configuration document from io.Reader r. The
// document may be written in YAML or JSON.
func Parse(r io.Reader, environ map[string]string) (*types.AutoscalerConfig, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	// string substitution function ensures that string replacement
	// variables are escaped and quoted if they contain newlines.
	subf := func(k string) string {
		v, ok := environ[k]
		if !ok {
			v = os.Getenv(k)
		}
		if strings.Contains(v, "\n") {
			v = fmt.Sprintf("%q", v)
		}
		return v
	}
	s, err := envsubst.Eval(string(b), subf)
	if err != nil {
		return nil, err
	}
	b, err = yaml.YAMLToJSON([]byte(s))
	if err != nil {
		return nil, err
	}
	out := new(types.AutoscalerConfig)
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}
