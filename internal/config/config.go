/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config holds the on-disk TOML configuration schema and the
// loader that turns it into the concrete values the rest of the core
// needs (endpoints, timeouts, TLS material, per-domain overrides).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root of the TOML configuration file.
type Config struct {
	Server  Server            `toml:"server"`
	App     App               `toml:"app"`
	Virtual map[string]Domain `toml:"virtual"`
}

// Vsl locates the filter engine's scripts: the root script every connection
// falls back to, and the directory of per-domain incoming/outgoing/internal
// triples.
type Vsl struct {
	FilterPath   string `toml:"filter_path"`
	FallbackPath string `toml:"fallback_path"`
	DomainDir    string `toml:"domain_dir"`
}

type Logs struct {
	Filename string `toml:"filename"`
}

// App roots the non-queue application state: filter scripts, local
// delivery roots, and the log sink, matching app.* in the configuration
// file.
type App struct {
	Dirpath string `toml:"dirpath"`
	Vsl     Vsl    `toml:"vsl"`
	Logs    Logs   `toml:"logs"`
}

type Server struct {
	Name             string        `toml:"name"`
	ClientCountMax   int           `toml:"client_count_max"`
	MessageSizeLimit int64         `toml:"message_size_limit"`
	Interfaces       Interfaces    `toml:"interfaces"`
	System           System        `toml:"system"`
	TLS              TLS           `toml:"tls"`
	SMTP             SMTP          `toml:"smtp"`
	DNS              DNS           `toml:"dns"`
	Queues           Queues        `toml:"queues"`
	ProxyProtocol    ProxyProtocol `toml:"proxy_protocol"`
	Delegate         Delegate      `toml:"delegate"`
}

// Delegate configures the resumption listener a delegate directive's
// external service connects back to once it has finished processing a
// suspended transaction. Listen empty disables it: a delegate rule then
// suspends transactions into delegated/ that nothing ever resumes, which
// is a configuration error an operator needs to notice, not a silent
// fallback.
type Delegate struct {
	Listen string `toml:"listen"`
}

// ProxyProtocol gates PROXY protocol v1/v2 header parsing ahead of the SMTP
// banner, for listeners sitting behind a relay or load balancer. Trust
// entries are IPs or CIDRs; an empty list trusts every upstream, matching
// the behavior of a listener with no source restriction configured.
type ProxyProtocol struct {
	Enable bool     `toml:"enable"`
	Trust  []string `toml:"trust"`
}

// QueuesWorking sizes the channel the working pool drains.
type QueuesWorking struct {
	ChannelSize int `toml:"channel_size"`
}

// QueuesDelivery sizes the delivery channel and the deferred-retry loop's
// tick period and per-entry attempt cap.
type QueuesDelivery struct {
	ChannelSize         int           `toml:"channel_size"`
	DeferredRetryMax    int           `toml:"deferred_retry_max"`
	DeferredRetryPeriod time.Duration `toml:"deferred_retry_period"`
}

// Queues roots the spool directory and sizes the scheduler's channels,
// matching server.queues.* in the configuration file.
type Queues struct {
	Dirpath  string         `toml:"dirpath"`
	Working  QueuesWorking  `toml:"working"`
	Delivery QueuesDelivery `toml:"delivery"`
}

type Interfaces struct {
	Addr         []string `toml:"addr"`
	Submission   []string `toml:"submission"`
	Submissions  []string `toml:"submissions"`
}

type ThreadPool struct {
	Receiver   int `toml:"receiver"`
	Processing int `toml:"processing"`
	Delivery   int `toml:"delivery"`
}

type System struct {
	User       string     `toml:"user"`
	Group      string     `toml:"group"`
	ThreadPool ThreadPool `toml:"thread_pool"`
}

type TLS struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

type SMTPError struct {
	SoftCount int           `toml:"soft_count"`
	HardCount int           `toml:"hard_count"`
	Delay     time.Duration `toml:"delay"`
}

type SMTPTimeout struct {
	Connect  time.Duration `toml:"connect"`
	Helo     time.Duration `toml:"helo"`
	MailFrom time.Duration `toml:"mail_from"`
	RcptTo   time.Duration `toml:"rcpt_to"`
	Data     time.Duration `toml:"data"`
}

type SMTPAuth struct {
	EnableDangerousInClear bool     `toml:"enable_dangerous_in_clear"`
	Mechanisms             []string `toml:"mechanisms"`
	AttemptCountMax        int      `toml:"attempt_count_max"`
}

type SMTP struct {
	RcptCountMax  int         `toml:"rcpt_count_max"`
	Error         SMTPError   `toml:"error"`
	TimeoutClient SMTPTimeout `toml:"timeout_client"`
	Codes         map[string]int `toml:"codes"`
	Auth          SMTPAuth    `toml:"auth"`
}

type DNSOptions struct {
	Timeout         time.Duration `toml:"timeout"`
	Attempts        int           `toml:"attempts"`
	Rotate          bool          `toml:"rotate"`
	DNSSEC          bool          `toml:"dnssec"`
	IPStrategy      string        `toml:"ip_strategy"`
	CacheSize       int           `toml:"cache_size"`
	UseHostsFile    bool          `toml:"use_hosts_file"`
	NumConcurrentReqs int         `toml:"num_concurrent_reqs"`
}

type DNS struct {
	Type    string     `toml:"type"`
	Options DNSOptions `toml:"options"`
}

// Domain holds the per-virtual-domain overrides addressed by the address
// hierarchy walk in framework/address.ParentDomains.
type Domain struct {
	TLS  TLS `toml:"tls"`
	DNS  DNS `toml:"dns"`
	DKIM DKIM `toml:"dkim"`
}

type DKIM struct {
	PrivateKey string `toml:"private_key"`
	Selector   string `toml:"selector"`
}

// Load reads and parses the TOML configuration file at path, applying
// defaults for any field left unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := toml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with the same fallbacks the core would use if a
// directive is absent from the file entirely.
func Default() *Config {
	return &Config{
		Server: Server{
			Name:             "mta.localhost",
			ClientCountMax:   1000,
			MessageSizeLimit: 32 * 1024 * 1024,
			Interfaces: Interfaces{
				Addr: []string{"tcp://0.0.0.0:25"},
			},
			System: System{
				ThreadPool: ThreadPool{Receiver: 16, Processing: 16, Delivery: 16},
			},
			SMTP: SMTP{
				RcptCountMax: 100,
				Error: SMTPError{
					SoftCount: 10,
					HardCount: 20,
					Delay:     5 * time.Second,
				},
				TimeoutClient: SMTPTimeout{
					Connect:  5 * time.Minute,
					Helo:     5 * time.Minute,
					MailFrom: 5 * time.Minute,
					RcptTo:   5 * time.Minute,
					Data:     10 * time.Minute,
				},
				Auth: SMTPAuth{
					AttemptCountMax: 3,
				},
			},
			DNS: DNS{
				Type: "system",
				Options: DNSOptions{
					Timeout:  5 * time.Second,
					Attempts: 2,
				},
			},
			Queues: Queues{
				Dirpath: "/var/spool/coremta",
				Working: QueuesWorking{ChannelSize: 256},
				Delivery: QueuesDelivery{
					ChannelSize:         256,
					DeferredRetryMax:    8,
					DeferredRetryPeriod: 10 * time.Second,
				},
			},
		},
		App: App{
			Dirpath: "/var/lib/coremta",
			Vsl: Vsl{
				FilterPath: "/etc/coremta/root.lua",
				DomainDir:  "/etc/coremta/domains",
			},
			Logs: Logs{Filename: "stderr"},
		},
	}
}
