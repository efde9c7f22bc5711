package authorization_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

func selfSignedPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sso.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestIhna(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, virtualServer)
	e.enable(t, authorization.IhnaClass)

	t.Run("missing certificate", func(t *testing.T) {
		_, err := e.pipeline.BeginExternal(ctx, "ihna")
		assert.Equal(t, errdefs.CodeServiceUnavailable, errdefs.Code(err))
	})

	settings, err := json.Marshal(authorization.IhnaSettings{
		IDPSSOURL:      "https://sso.example.com/saml2/idp/SSOService.php",
		IDPIssuer:      "https://sso.example.com/saml2/idp/metadata.php",
		IDPCertificate: selfSignedPEM(t),
		EmailAttribute: "mail",
		NameAttribute:  "givenName",
	})
	require.NoError(t, err)
	e.configure(t, authorization.IhnaClass, string(settings))

	t.Run("auth url carries the request and the session", func(t *testing.T) {
		u := begin(t, e, "ihna")
		assert.Equal(t, "https://sso.example.com/saml2/idp/SSOService.php", strings.SplitN(u.String(), "?", 2)[0])
		assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
		assert.NotEmpty(t, u.Query().Get("RelayState"))
	})

	t.Run("missing response", func(t *testing.T) {
		state := begin(t, e, "ihna").Query().Get("RelayState")
		_, err := finish(e, "ihna", url.Values{"RelayState": {state}})
		assert.True(t, errdefs.IsUnauthenticated(err))
	})

	t.Run("unsigned response", func(t *testing.T) {
		state := begin(t, e, "ihna").Query().Get("RelayState")
		response := base64.StdEncoding.EncodeToString([]byte(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"/>`))
		_, err := finish(e, "ihna", url.Values{"RelayState": {state}, "SAMLResponse": {response}})
		assert.True(t, errdefs.IsUnauthenticated(err))
	})

	t.Run("garbage response", func(t *testing.T) {
		state := begin(t, e, "ihna").Query().Get("RelayState")
		_, err := finish(e, "ihna", url.Values{"RelayState": {state}, "SAMLResponse": {"%%%"}})
		assert.True(t, errdefs.IsUnauthenticated(err))
	})
}
