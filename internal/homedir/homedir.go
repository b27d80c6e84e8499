// Package homedir resolves the home directory used for default data
// paths.
package homedir

import (
	"os"
	"os/user"

	"github.com/pkg/errors"
)

// Get returns the current user's home directory, preferring $HOME.
func Get() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return usr.HomeDir, nil
}
