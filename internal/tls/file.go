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

// Package tls provides the certificate loaders handed to the SMTP listeners
// for their tls.Config.GetCertificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmta/coremta/internal/hooks"
	"github.com/vmta/coremta/framework/log"
)

// FileLoader reloads a certificate/key pair from disk periodically and on
// EventReload, so a renewed certificate takes effect without a restart.
type FileLoader struct {
	certPath, keyPath string
	log               log.Logger

	certLock sync.RWMutex
	cert     *tls.Certificate

	reloadTick *time.Ticker
	stop       chan struct{}
}

func NewFileLoader(certPath, keyPath string) (*FileLoader, error) {
	f := &FileLoader{
		certPath: certPath,
		keyPath:  keyPath,
		log:      log.Logger{Name: "tls.loader.file", Debug: log.DefaultLogger.Debug},
		stop:     make(chan struct{}),
	}

	if err := f.loadCert(); err != nil {
		return nil, err
	}

	hooks.AddHook(hooks.EventReload, func() {
		f.log.Println("reloading certificate")
		if err := f.loadCert(); err != nil {
			f.log.Error("reload failed", err)
		}
	})

	f.reloadTick = time.NewTicker(time.Minute)
	go f.reloadLoop()
	return f, nil
}

func (f *FileLoader) Close() error {
	f.reloadTick.Stop()
	close(f.stop)
	return nil
}

func (f *FileLoader) reloadLoop() {
	for {
		select {
		case <-f.reloadTick.C:
			if err := f.loadCert(); err != nil {
				f.log.Error("reload failed", err)
			}
		case <-f.stop:
			return
		}
	}
}

func (f *FileLoader) loadCert() error {
	if f.certPath == "" || f.keyPath == "" {
		return errors.New("tls.loader.file: both cert and key paths are required")
	}

	cert, err := tls.LoadX509KeyPair(f.certPath, f.keyPath)
	if err != nil {
		return fmt.Errorf("tls.loader.file: failed to load %s and %s: %w", f.certPath, f.keyPath, err)
	}

	f.certLock.Lock()
	f.cert = &cert
	f.certLock.Unlock()
	return nil
}

// ConfigureTLS installs GetCertificate on c, returning whatever certificate
// is currently loaded.
func (f *FileLoader) ConfigureTLS(c *tls.Config) {
	c.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		f.certLock.RLock()
		defer f.certLock.RUnlock()
		if f.cert == nil {
			return nil, errors.New("tls.loader.file: no certificate loaded")
		}
		return f.cert, nil
	}
}
