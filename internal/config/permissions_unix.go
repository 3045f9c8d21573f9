//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions returns a warning if a file holding credentials is
// accessible to group or others. kind names the file in the warning.
func checkFilePermissions(path, kind string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: %s '%s' is accessible to other users (%04o)\n"+
			"         It may expose SQL Server credentials.\n"+
			"         Run: chmod 600 %s\n\n",
		kind, path, mode, path,
	)
}
