package authorization

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/corefacility/corefacility/pkg/modules"
)

// IhnaSettings describe the SAML identity provider of the institute
type IhnaSettings struct {
	IDPSSOURL      string `json:"idp_sso_url" validate:"required,url"`
	IDPIssuer      string `json:"idp_issuer" validate:"required"`
	IDPCertificate string `json:"idp_certificate"`
	// SPIssuer defaults to the public address of the installation
	SPIssuer         string `json:"sp_issuer"`
	EmailAttribute   string `json:"email_attribute" validate:"required"`
	NameAttribute    string `json:"name_attribute"`
	SurnameAttribute string `json:"surname_attribute"`
}

type ihnaApp struct {
	modules.TypedSettings[IhnaSettings]
	baseURL string
}

func newIhnaApp(d Deps) *ihnaApp {
	return &ihnaApp{baseURL: d.BaseURL}
}

func (a *ihnaApp) Info() modules.Info {
	return modules.Info{
		Class:  IhnaClass,
		Alias:  "ihna",
		Name:   "IHNA RAS single sign-on",
		Parent: &modules.Authorizations,
		Settings: IhnaSettings{
			IDPSSOURL:        "https://sso.ihna.ru/saml2/idp/SSOService.php",
			IDPIssuer:        "https://sso.ihna.ru/saml2/idp/metadata.php",
			EmailAttribute:   "mail",
			NameAttribute:    "givenName",
			SurnameAttribute: "sn",
		},
	}
}

func (a *ihnaApp) provider(m *modules.Module) (*saml2.SAMLServiceProvider, IhnaSettings, error) {
	s, err := modules.DecodeSettings[IhnaSettings](m)
	if err != nil {
		return nil, s, err
	}
	block, _ := pem.Decode([]byte(s.IDPCertificate))
	if block == nil {
		return nil, s, fmt.Errorf("the identity provider certificate is not configured")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, s, fmt.Errorf("failed to parse certificate: %w", err)
	}
	issuer := s.SPIssuer
	if issuer == "" {
		issuer = a.baseURL
	}
	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      s.IDPSSOURL,
		IdentityProviderIssuer:      s.IDPIssuer,
		ServiceProviderIssuer:       issuer,
		AssertionConsumerServiceURL: callbackURL(a.baseURL, m.Alias()),
		AudienceURI:                 issuer,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
	}
	return sp, s, nil
}

func (a *ihnaApp) AuthURL(_ context.Context, m *modules.Module, state string) (string, error) {
	sp, _, err := a.provider(m)
	if err != nil {
		return "", err
	}
	authURL, err := sp.BuildAuthURL(state)
	if err != nil {
		return "", fmt.Errorf("failed to build auth URL: %w", err)
	}
	return authURL, nil
}

func (a *ihnaApp) Exchange(_ context.Context, m *modules.Module, r *http.Request) (*Identity, error) {
	sp, s, err := a.provider(m)
	if err != nil {
		return nil, err
	}
	encoded := r.FormValue("SAMLResponse")
	if encoded == "" {
		return nil, fmt.Errorf("missing SAMLResponse parameter")
	}
	info, err := sp.RetrieveAssertionInfo(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	if w := info.WarningInfo; w != nil {
		if w.InvalidTime {
			return nil, fmt.Errorf("assertion has invalid time")
		}
		if w.NotInAudience {
			return nil, fmt.Errorf("assertion not in expected audience")
		}
	}
	email := info.Values.Get(s.EmailAttribute)
	if email == "" {
		email = info.NameID
	}
	if email == "" {
		return nil, fmt.Errorf("missing email in SAML assertion")
	}
	id := &Identity{ExternalID: email, Email: email}
	if s.NameAttribute != "" {
		id.Name = info.Values.Get(s.NameAttribute)
	}
	if s.SurnameAttribute != "" {
		id.Surname = info.Values.Get(s.SurnameAttribute)
	}
	return id, nil
}
