// Package transport builds the listening socket, plain or TLS-terminating.
package transport

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"webgate/internal/config"
)

// NewListener binds the configured address and, when TLS termination is
// enabled, wraps the socket with the configured key/certificate material.
// Any failure here is startup-fatal for the caller: a service that cannot
// listen has no purpose.
func NewListener(cfg *config.Config, logger *slog.Logger) (net.Listener, error) {
	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if !cfg.Server.TLS.Enabled {
		return ln, nil
	}

	tlsCfg, err := newTLSConfig(&cfg.Server.TLS, logger)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// newTLSConfig loads the key pair (plus the optional CA bundle) and builds
// the server TLS config. NextProtos is pinned to HTTP/1.1 so that upgrade
// handshakes always arrive on a bridgeable transport.
func newTLSConfig(tc *config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	loader := &certLoader{certPath: tc.Cert, keyPath: tc.Key, caPath: tc.CABundle}

	cert, err := loader.load()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}

	if !tc.Watch {
		cfg.Certificates = []tls.Certificate{cert}
		return cfg, nil
	}

	r := &certReloader{loader: loader, cert: &cert, logger: logger.With("component", "cert_reloader")}
	if err := r.watch(); err != nil {
		return nil, err
	}
	cfg.GetCertificate = r.getCertificate
	return cfg, nil
}

// certLoader reads the key pair from disk. The CA bundle, when configured,
// is appended to the served chain; its absence from config is not an error.
type certLoader struct {
	certPath string
	keyPath  string
	caPath   string
}

func (l *certLoader) load() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(l.certPath, l.keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair %s / %s: %w", l.certPath, l.keyPath, err)
	}

	if l.caPath == "" {
		return cert, nil
	}

	data, err := os.ReadFile(l.caPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read ca bundle %s: %w", l.caPath, err)
	}
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}

	return cert, nil
}

// certReloader serves the current certificate and swaps it when the files
// on disk change. A failed reload keeps the previous pair.
type certReloader struct {
	loader *certLoader
	logger *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *certReloader) reload() {
	cert, err := r.loader.load()
	if err != nil {
		r.logger.Warn("certificate reload failed; keeping previous pair", "err", err)
		return
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	r.logger.Info("certificate reloaded", "cert", r.loader.certPath)
}

// watch reloads the key pair whenever either file is rewritten. Renames and
// removals are watched too: certbot-style tooling replaces files rather
// than writing them in place.
func (r *certReloader) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cert watcher: %w", err)
	}
	for _, p := range []string{r.loader.certPath, r.loader.keyPath} {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					r.reload()
					// Re-add in case the file was replaced.
					_ = w.Add(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("cert watcher error", "err", err)
			}
		}
	}()

	return nil
}
