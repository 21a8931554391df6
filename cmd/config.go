/*
 *
 * devtools - a session registry for the browser remote debugging protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/devtools/common"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
)

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", 0)
	flags.SortFlags = false
	flags.String("host", common.DefaultHost, "host of the browser's remote debugging server")
	flags.IntP("port", "p", common.DefaultPort, "port of the browser's remote debugging server")
	flags.StringSlice("domains", nil, "protocol domains every session enables, in order (default DOM,CSS,Page,Network)")
	flags.Duration("probe-timeout", 0, "how long a reused session may take to answer its liveness probe, 0 means no limit")
	return flags
}

// Config is the registry configuration of a command. Unset fields fall back
// from the command line to the environment and then to the defaults.
type Config struct {
	Host         null.String `json:"host" envconfig:"DEVTOOLS_HOST"`
	Port         null.Int    `json:"port" envconfig:"DEVTOOLS_PORT"`
	Domains      []string    `json:"domains" envconfig:"DEVTOOLS_DOMAINS"`
	ProbeTimeout null.String `json:"probeTimeout" envconfig:"DEVTOOLS_PROBE_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Host: null.NewString(common.DefaultHost, false),
		Port: null.NewInt(int64(common.DefaultPort), false),
	}
}

// Apply returns c overridden by every field set in cfg.
func (c Config) Apply(cfg Config) Config {
	if cfg.Host.Valid {
		c.Host = cfg.Host
	}
	if cfg.Port.Valid {
		c.Port = cfg.Port
	}
	if cfg.Domains != nil {
		c.Domains = cfg.Domains
	}
	if cfg.ProbeTimeout.Valid {
		c.ProbeTimeout = cfg.ProbeTimeout
	}
	return c
}

// Gets configuration from CLI flags.
func getConfig(flags *pflag.FlagSet) (Config, error) {
	conf := Config{
		Host: getNullString(flags, "host"),
		Port: getNullInt64(flags, "port"),
	}
	if flags.Changed("domains") {
		domains, err := flags.GetStringSlice("domains")
		if err != nil {
			return conf, err
		}
		conf.Domains = domains
	}
	if flags.Changed("probe-timeout") {
		d, err := flags.GetDuration("probe-timeout")
		if err != nil {
			return conf, err
		}
		conf.ProbeTimeout = null.StringFrom(d.String())
	}
	return conf, nil
}

// Reads configuration variables from the environment.
func readEnvConfig(envVars map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := envVars[key]
		return v, ok
	})
	return conf, err
}

// getConsolidatedConfig layers, from lowest to highest priority, the
// defaults, the environment and the command line flags.
func getConsolidatedConfig(gs *globalState, flags *pflag.FlagSet) (Config, error) {
	cliConf, err := getConfig(flags)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	envConf, err := readEnvConfig(gs.envVars)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	conf := defaultConfig().Apply(envConf).Apply(cliConf)
	if err := conf.validate(); err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return conf, nil
}

func (c Config) validate() error {
	if c.Port.Int64 <= 0 || c.Port.Int64 > 65535 {
		return fmt.Errorf("invalid port %d", c.Port.Int64)
	}
	if _, err := c.domains(); err != nil {
		return err
	}
	if _, err := c.probeTimeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) endpoint() common.Endpoint {
	return common.Endpoint{Host: c.Host.String, Port: int(c.Port.Int64)}
}

func (c Config) domains() ([]common.Domain, error) {
	if len(c.Domains) == 0 {
		return common.DefaultDomains(), nil
	}
	domains := make([]common.Domain, 0, len(c.Domains))
	for _, name := range c.Domains {
		d, err := common.ParseDomain(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

func (c Config) probeTimeout() (time.Duration, error) {
	if !c.ProbeTimeout.Valid || c.ProbeTimeout.String == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ProbeTimeout.String)
	if err != nil {
		return 0, fmt.Errorf("invalid probe timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid probe timeout %s", d)
	}
	return d, nil
}
