package authorization

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
)

// UnixSettings point the unix module at an SSH daemon that accepts the
// operating-system passwords of the users
type UnixSettings struct {
	Address string `json:"address" validate:"required,hostname_port"`
	// HostKey is the daemon key in authorized_keys format; empty accepts any
	// key and is meant for a daemon on the loopback interface
	HostKey        string `json:"host_key"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"min=0,max=60"`
}

// unixApp checks the operating-system password of the user by opening an
// SSH connection on their behalf
type unixApp struct {
	modules.TypedSettings[UnixSettings]
	users *access.Service
}

func (a *unixApp) Info() modules.Info {
	return modules.Info{
		Class:    UnixClass,
		Alias:    "unix",
		Name:     "UNIX authorization",
		Parent:   &modules.Authorizations,
		Requires: modules.Requirements{POSIX: true, Profiles: []config.ProfileName{config.PartServer, config.FullServer}},
		Settings: UnixSettings{Address: "127.0.0.1:22", TimeoutSeconds: 5},
	}
}

func (s UnixSettings) clientConfig(c Credentials) (*ssh.ClientConfig, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if s.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.HostKey))
		if err != nil {
			return nil, fmt.Errorf("invalid host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(key)
	}
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.Login,
		Auth:            []ssh.AuthMethod{ssh.Password(c.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// refused reports whether the daemon rejected the credentials rather than
// being unreachable
func refused(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (a *unixApp) TryLogin(ctx context.Context, m *modules.Module, c Credentials) (*access.User, error) {
	if c.Login == "" || c.Password == "" {
		return nil, nil
	}
	u, err := a.users.Users().GetByAlias(ctx, c.Login)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked() || u.UnixGroup() == "" {
		return nil, nil
	}

	settings, err := modules.DecodeSettings[UnixSettings](m)
	if err != nil {
		return nil, err
	}
	cfg, err := settings.clientConfig(Credentials{Login: u.UnixGroup(), Password: c.Password})
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", settings.Address, cfg)
	if err != nil {
		if refused(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unix authorization: %w", err)
	}
	client.Close()
	return u, nil
}
