package util

import (
	"os"
)

// UserHome returns the current user's home directory. It falls back to
// $HOME, then %USERPROFILE%, then the working directory.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if home := os.Getenv(env); home != "" {
			log.WithError(err).WithField("env", env).Warn("os.UserHomeDir failed, using environment")
			return home
		}
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("no home directory, using working directory")
		return wd
	}
	panic("tunnelbuild: unable to determine home directory; set $HOME")
}
