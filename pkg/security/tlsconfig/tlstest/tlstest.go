// Package tlstest writes a throwaway CA and a localhost key pair for tests.
package tlstest

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

// Files are the PEM paths written by Write.
type Files struct {
    CA, Cert, Key string
}

// Write creates ca.pem, cert.pem and key.pem under dir. The leaf is valid
// for localhost and 127.0.0.1 as both server and client.
func Write(t testing.TB, dir string) Files {
    t.Helper()
    caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    caTmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "peerservice test ca"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(24 * time.Hour),
        IsCA:                  true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
    require.NoError(t, err)
    caCert, err := x509.ParseCertificate(caDER)
    require.NoError(t, err)

    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    leafTmpl := &x509.Certificate{
        SerialNumber: big.NewInt(2),
        Subject:      pkix.Name{CommonName: "localhost"},
        DNSNames:     []string{"localhost"},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &key.PublicKey, caKey)
    require.NoError(t, err)
    keyDER, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)

    f := Files{
        CA:   filepath.Join(dir, "ca.pem"),
        Cert: filepath.Join(dir, "cert.pem"),
        Key:  filepath.Join(dir, "key.pem"),
    }
    writePEM(t, f.CA, "CERTIFICATE", caDER)
    writePEM(t, f.Cert, "CERTIFICATE", leafDER)
    writePEM(t, f.Key, "EC PRIVATE KEY", keyDER)
    return f
}

func writePEM(t testing.TB, path, typ string, der []byte) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}
