// Package security reports process privileges that widen what a sandbox
// escape could reach.
package security

import (
	"errors"
	"os"
)

// ErrRunningAsRoot is returned when the effective user ID is 0.
var ErrRunningAsRoot = errors.New("running as root: workspace tools read with root privileges")

// Geteuid reports the effective user ID; -1 where the platform has none.
var Geteuid = os.Geteuid

// RequireNonRoot returns ErrRunningAsRoot when euid reports 0. A nil euid
// uses Geteuid.
func RequireNonRoot(euid func() int) error {
	if euid == nil {
		euid = Geteuid
	}
	if euid() == 0 {
		return ErrRunningAsRoot
	}
	return nil
}
