// Package login describes server logins in a form that can be copied out of
// one instance and recreated on another.
package login

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Type is the kind of server principal.
type Type string

const (
	SQLLogin     Type = "S"
	WindowsUser  Type = "U"
	WindowsGroup Type = "G"
)

// ParseType maps sys.server_principals.type to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case SQLLogin, WindowsUser, WindowsGroup:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported login type %q", s)
	}
}

func (t Type) String() string {
	switch t {
	case SQLLogin:
		return "sql login"
	case WindowsUser:
		return "windows user"
	case WindowsGroup:
		return "windows group"
	default:
		return string(t)
	}
}

// Properties is a plain copy of a login. Keeping the SID means database users
// mapped to the login stay bound after the database moves.
type Properties struct {
	Name            string `json:"name" yaml:"name"`
	Type            Type   `json:"type" yaml:"type"`
	SID             []byte `json:"sid" yaml:"sid"`
	PasswordHash    []byte `json:"-" yaml:"-"`
	DefaultDatabase string `json:"default_database" yaml:"default_database"`
}

// IsWindows reports whether the login authenticates through Windows.
func (p Properties) IsWindows() bool {
	return p.Type == WindowsUser || p.Type == WindowsGroup
}

// Validate checks that the login can be recreated.
func (p Properties) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("login has no name")
	}
	switch p.Type {
	case SQLLogin:
		if len(p.SID) == 0 {
			return fmt.Errorf("sql login %s has no sid", p.Name)
		}
		if len(p.PasswordHash) == 0 {
			return fmt.Errorf("sql login %s has no password hash", p.Name)
		}
	case WindowsUser, WindowsGroup:
	default:
		return fmt.Errorf("login %s has unsupported type %q", p.Name, p.Type)
	}
	return nil
}

// SIDHex renders the SID as a T-SQL binary literal.
func (p Properties) SIDHex() string {
	return "0x" + strings.ToUpper(hex.EncodeToString(p.SID))
}

// PasswordHashHex renders the password hash as a T-SQL binary literal.
func (p Properties) PasswordHashHex() string {
	return "0x" + strings.ToUpper(hex.EncodeToString(p.PasswordHash))
}

// RemapDefaultDatabase returns a copy of logins where every default database
// equal to from (case-insensitively) is replaced by to. Other defaults are
// left unchanged.
func RemapDefaultDatabase(logins []Properties, from, to string) []Properties {
	out := make([]Properties, len(logins))
	for i, l := range logins {
		if strings.EqualFold(l.DefaultDatabase, from) {
			l.DefaultDatabase = to
		}
		out[i] = l
	}
	return out
}
