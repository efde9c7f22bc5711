package config

import "fmt"

// ProfileName selects how much operating-system administration the
// application performs
type ProfileName string

const (
	// VirtualServer never touches POSIX accounts
	VirtualServer ProfileName = "virtual_server"
	// PartServer logs the POSIX commands an operator should run
	PartServer ProfileName = "part_server"
	// FullServer performs POSIX administration itself
	FullServer ProfileName = "full_server"
)

// PosixMode is how queued OS commands are handled
type PosixMode string

const (
	PosixOff      PosixMode = "off"
	PosixSuggest  PosixMode = "suggest"
	PosixInline   PosixMode = "inline"
	PosixDeferred PosixMode = "deferred"
)

// Profile is the boot-time configuration profile
type Profile struct {
	Name         ProfileName
	EmailSupport bool
	POSIXHost    bool
	// Privileged is true when the worker itself may run administration commands
	Privileged bool

	HomeDir        string
	ProjectBaseDir string
	UnixPrefix     string
}

// Validate checks the profile name and POSIX settings
func (p Profile) Validate() error {
	switch p.Name {
	case VirtualServer, PartServer, FullServer:
	default:
		return fmt.Errorf("invalid profile: %s (must be virtual_server, part_server or full_server)", p.Name)
	}
	if p.Name != VirtualServer && !p.POSIXHost {
		return fmt.Errorf("profile %s requires a POSIX host", p.Name)
	}
	if p.Name != VirtualServer && (p.HomeDir == "" || p.ProjectBaseDir == "") {
		return fmt.Errorf("profile %s requires home and project base directories", p.Name)
	}
	return nil
}

// PosixMode derives the command handling mode from the profile
func (p Profile) PosixMode() PosixMode {
	switch p.Name {
	case FullServer:
		if p.Privileged {
			return PosixInline
		}
		return PosixDeferred
	case PartServer:
		return PosixSuggest
	default:
		return PosixOff
	}
}

// AdministersPosix reports whether POSIX commands are generated at all
func (p Profile) AdministersPosix() bool {
	return p.PosixMode() != PosixOff
}
