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

// Package limits restricts the concurrency and rate of the message flow
// globally or on a per-source-IP, per-sender-domain, per-destination-domain
// basis, used by the receiver and delivery engine to shed load.
//
// Note, all domain inputs are interpreted with the assumption they are
// already normalized.
//
// Low-level components are available in the limiters/ subpackage.
package limits

import (
	"context"
	"net"
	"time"

	"github.com/vmta/coremta/internal/limits/limiters"
)

// bucketWindow is the bucket cleanup interval for the per-key limiter sets;
// maxBuckets is slightly higher than the default max-recipients count so a
// single connection can't exhaust the set.
const (
	bucketWindow = 1 * time.Minute
	maxBuckets   = 20010
)

type Group struct {
	global limiters.MultiLimit
	ip     *limiters.BucketSet
	source *limiters.BucketSet
	dest   *limiters.BucketSet
}

// GroupConfig describes the rate/concurrency limits to install at each
// scope. A zero burst/max in any Rate or concurrency limit is a no-op limit.
type GroupConfig struct {
	GlobalRate        Rate
	GlobalConcurrency int
	PerIPRate         Rate
	PerSourceRate     Rate
	PerDestConcurrency int
}

type Rate struct {
	Burst    int
	Interval time.Duration
}

func New(cfg GroupConfig) *Group {
	g := &Group{}

	var globalL []limiters.L
	if cfg.GlobalRate.Burst > 0 {
		globalL = append(globalL, limiters.NewRate(cfg.GlobalRate.Burst, cfg.GlobalRate.Interval))
	}
	if cfg.GlobalConcurrency > 0 {
		globalL = append(globalL, limiters.NewSemaphore(cfg.GlobalConcurrency))
	}
	g.global = limiters.MultiLimit{Wrapped: globalL}

	if cfg.PerIPRate.Burst > 0 {
		rate := cfg.PerIPRate
		g.ip = limiters.NewBucketSet(func() limiters.L {
			return limiters.NewRate(rate.Burst, rate.Interval)
		}, bucketWindow, maxBuckets)
	}
	if cfg.PerSourceRate.Burst > 0 {
		rate := cfg.PerSourceRate
		g.source = limiters.NewBucketSet(func() limiters.L {
			return limiters.NewRate(rate.Burst, rate.Interval)
		}, bucketWindow, maxBuckets)
	}
	if cfg.PerDestConcurrency > 0 {
		max := cfg.PerDestConcurrency
		g.dest = limiters.NewBucketSet(func() limiters.L {
			return limiters.NewSemaphore(max)
		}, bucketWindow, maxBuckets)
	}

	return g
}

func (g *Group) TakeMsg(ctx context.Context, addr net.IP, sourceDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}

	if g.ip != nil {
		if err := g.ip.TakeContext(ctx, addr.String()); err != nil {
			g.global.Release()
			return err
		}
	}
	if g.source != nil {
		if err := g.source.TakeContext(ctx, sourceDomain); err != nil {
			g.global.Release()
			if g.ip != nil {
				g.ip.Release(addr.String())
			}
			return err
		}
	}
	return nil
}

func (g *Group) TakeDest(ctx context.Context, domain string) error {
	if g.dest == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.dest.TakeContext(ctx, domain)
}

func (g *Group) ReleaseMsg(addr net.IP, sourceDomain string) {
	g.global.Release()
	if g.ip != nil {
		g.ip.Release(addr.String())
	}
	if g.source != nil {
		g.source.Release(sourceDomain)
	}
}

func (g *Group) ReleaseDest(domain string) {
	if g.dest == nil {
		return
	}
	g.dest.Release(domain)
}

