//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Principals whose presence in an ACL means any local user can read the file.
var broadPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
	"users",
}

// checkFilePermissions returns a warning if a file holding credentials
// grants access to a broad group. kind names the file in the warning.
func checkFilePermissions(path, kind string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))

	for _, principal := range broadPrincipals {
		if !strings.Contains(acl, principal) {
			continue
		}
		return fmt.Sprintf(
			"WARNING: %s '%s' grants access to %q\n"+
				"         It may expose SQL Server credentials. To restrict it, run in PowerShell:\n"+
				"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
			kind, path, principal, path,
		)
	}
	return ""
}
