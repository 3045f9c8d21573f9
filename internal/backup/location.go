package backup

import (
	"net/url"
	"strings"
)

// IsURL reports whether location is an http(s) URL naming an object,
// e.g. a blob in an Azure storage container.
func IsURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	return !strings.HasSuffix(location, "/")
}

// IsUNC reports whether location is a UNC path: \\host\share[\...].
// Forward slashes are accepted in place of backslashes.
func IsUNC(location string) bool {
	if !strings.HasPrefix(location, `\\`) && !strings.HasPrefix(location, "//") {
		return false
	}
	if hasInvalidPathChars(location[2:]) {
		return false
	}
	parts := strings.FieldsFunc(location[2:], isSeparator)
	if len(parts) < 2 {
		return false
	}
	host := parts[0]
	// the first segment must be a bare host, not a drive or a URL authority
	if strings.Contains(host, ":") {
		return false
	}
	// an empty segment right after the prefix means "\\\share"
	return !isSeparator(rune(location[2]))
}

// IsAbsolutePath reports whether location is a rooted local path on either a
// Windows host (C:\ or C:/) or a Linux host (/).
func IsAbsolutePath(location string) bool {
	if strings.HasPrefix(location, `\\`) || strings.HasPrefix(location, "//") {
		return false
	}
	rest := ""
	switch {
	case isDrivePath(location):
		rest = location[3:]
	case strings.HasPrefix(location, "/"):
		rest = location[1:]
	default:
		return false
	}
	// a colon after the drive root is not a legal file name character
	if strings.Contains(rest, ":") {
		return false
	}
	return !hasInvalidPathChars(rest)
}

// IsValidLocation reports whether a backup's physical location is something
// a RESTORE statement can read: an absolute path, a UNC path or a URL.
// Backup history can hold rows written by third-party tools (virtual device
// names, GUIDs, "Nul") that are none of these.
func IsValidLocation(location string) bool {
	if location == "" || strings.TrimSpace(location) != location {
		return false
	}
	return IsURL(location) || IsUNC(location) || IsAbsolutePath(location)
}

// locationKey normalizes location for comparison. Windows drive and UNC
// paths are case-insensitive; Linux paths and URLs are compared as written.
func locationKey(location string) string {
	if IsUNC(location) || isDrivePath(location) {
		return strings.ToLower(location)
	}
	return location
}

func isDrivePath(location string) bool {
	return len(location) >= 3 && isDriveLetter(location[0]) && location[1] == ':' && isSeparator(rune(location[2]))
}

func isSeparator(r rune) bool {
	return r == '\\' || r == '/'
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func hasInvalidPathChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
		switch r {
		case '<', '>', '"', '|', '?', '*':
			return true
		}
	}
	return false
}
