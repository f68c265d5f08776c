package tlsconfig

import (
    "crypto/tls"
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/security/tlsconfig/tlstest"
)

func TestDisabledReturnsNil(t *testing.T) {
    s, err := Options{}.Server()
    require.NoError(t, err)
    require.Nil(t, s)
    c, err := Options{}.Client()
    require.NoError(t, err)
    require.Nil(t, c)
    require.NoError(t, Options{}.Validate())
}

func TestServer_RequiresKeyPair(t *testing.T) {
    _, err := Options{Enable: true}.Server()
    require.ErrorIs(t, err, ErrCertRequired)
    require.Error(t, Options{Enable: true, CertFile: "c.pem"}.Validate())
}

func TestServerAndClient(t *testing.T) {
    f := tlstest.Write(t, t.TempDir())

    srv, err := Options{Enable: true, CertFile: f.Cert, KeyFile: f.Key, CAFile: f.CA}.Server()
    require.NoError(t, err)
    require.Equal(t, tls.RequireAndVerifyClientCert, srv.ClientAuth)
    cert, err := srv.GetCertificate(nil)
    require.NoError(t, err)
    require.NotEmpty(t, cert.Certificate)

    cli, err := Options{Enable: true, CertFile: f.Cert, KeyFile: f.Key, CAFile: f.CA, ServerName: "localhost"}.Client()
    require.NoError(t, err)
    require.Equal(t, "localhost", cli.ServerName)
    require.NotNil(t, cli.RootCAs)
    require.NotNil(t, cli.GetClientCertificate)
}

func TestBadFiles(t *testing.T) {
    dir := t.TempDir()
    junk := filepath.Join(dir, "junk.pem")
    require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o600))

    _, err := Options{Enable: true, CertFile: junk, KeyFile: junk}.Server()
    require.Error(t, err)
    _, err = Options{Enable: true, CAFile: junk}.Client()
    require.Error(t, err)
    _, err = Options{Enable: true, CAFile: filepath.Join(dir, "missing.pem")}.Client()
    require.Error(t, err)
}

func TestKeyPair_KeepsLastGoodOnRotationError(t *testing.T) {
    f := tlstest.Write(t, t.TempDir())
    kp := &keyPair{cert: f.Cert, key: f.Key}
    first, err := kp.get()
    require.NoError(t, err)

    require.NoError(t, os.WriteFile(f.Cert, []byte("half written"), 0o600))
    kp.lastLoad = kp.lastLoad.Add(-2 * reloadTTL)
    again, err := kp.get()
    require.NoError(t, err)
    require.Same(t, first, again)
}
