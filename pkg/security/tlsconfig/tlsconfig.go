// Package tlsconfig builds TLS configurations for the management endpoint
// and its clients from PEM files.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ErrCertRequired is returned when a server is enabled without a key pair.
var ErrCertRequired = errors.New("tlsconfig: server cert/key required when TLS enabled")

// reloadTTL bounds how long a certificate read from disk is reused.
const reloadTTL = 10 * time.Second

// Options defines (m)TLS inputs. A CA on the server side turns on client
// certificate verification.
type Options struct {
    Enable             bool   `toml:"enabled"`
    CAFile             string `toml:"ca_file"`
    CertFile           string `toml:"cert_file"`
    KeyFile            string `toml:"key_file"`
    InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
    ServerName         string `toml:"server_name"`
}

// Validate reports inconsistent settings without touching the files.
func (o Options) Validate() error {
    if !o.Enable {
        return nil
    }
    if (o.CertFile == "") != (o.KeyFile == "") {
        return errors.New("tlsconfig: cert_file and key_file must be set together")
    }
    return nil
}

// Server returns a server config that re-reads the key pair from disk at
// most every reloadTTL, so rotated certificates are picked up without a
// restart. It returns nil when TLS is disabled.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, ErrCertRequired
    }
    kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
    if _, err := kp.get(); err != nil {
        return nil, err
    }
    cfg := &tls.Config{
        MinVersion:     tls.VersionTLS12,
        GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil {
            return nil, err
        }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a client config, or nil when TLS is disabled. The client
// certificate is optional and reloaded like the server's.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" {
        cfg.ServerName = o.ServerName
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil {
            return nil, err
        }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
        if _, err := kp.get(); err != nil {
            return nil, err
        }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("tlsconfig: read ca: %w", err)
    }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) {
        return nil, fmt.Errorf("tlsconfig: no certificates in %s", path)
    }
    return pool, nil
}

type keyPair struct {
    cert, key string

    mu       sync.Mutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.lastLoad) < reloadTTL {
        return k.cached, nil
    }
    cert, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        if k.cached != nil {
            // Keep serving the previous pair while a rotation is half written.
            return k.cached, nil
        }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    k.cached, k.lastLoad = &cert, time.Now()
    return k.cached, nil
}
