// Package paths lays out the on-disk state of relay instances under ~/.relay.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DefaultInstance is used when neither a flag nor the config names one.
const DefaultInstance = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// baseOverride replaces the home-relative base directory when set.
var baseOverride string

// BaseDir returns ~/.relay, or $RELAY_HOME when set.
func BaseDir() string {
	if baseOverride != "" {
		return baseOverride
	}
	if dir := os.Getenv("RELAY_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relay")
}

// Dir returns the instance directory.
func Dir(instance string) string {
	return filepath.Join(BaseDir(), "instances", instance)
}

// SocketPath returns the hub daemon's unix socket.
func SocketPath(instance string) string {
	return filepath.Join(Dir(instance), "hub.sock")
}

// LockPath returns the daemon lock file.
func LockPath(instance string) string {
	return filepath.Join(Dir(instance), "LOCK")
}

// DBPath returns the instance's sqlite database.
func DBPath(instance string) string {
	return filepath.Join(Dir(instance), "relay.db")
}

// LogDir returns the instance's log directory.
func LogDir(instance string) string {
	return filepath.Join(Dir(instance), "logs")
}

// LogPath returns the log file of program (relayd, relayctl).
func LogPath(instance, program string) string {
	return filepath.Join(LogDir(instance), program+".log")
}

// ConfigPath returns the global config file.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree.
func EnsureDir(instance string) error {
	for _, d := range []string{Dir(instance), LogDir(instance)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName checks an instance name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve picks the active instance: flag, then configured default, then
// "main".
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultInstance
}
