// Package sqlserver implements the source and destination capabilities of a
// move over SQL Server instances, reached through an availability group
// listener or directly for a standalone server.
package sqlserver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAppName is reported to the server as the client application.
const DefaultAppName = "agmove"

// ConnInfo describes how to reach one SQL Server endpoint.
type ConnInfo struct {
	// Host is a DNS name or address. It may carry a ",port" or "\instance"
	// suffix, which takes precedence over Port and Instance.
	Host     string
	Port     int
	Instance string
	Database string

	User     string
	Password string
	// Auth is "password" (default) or "kerberos".
	Auth     string
	Krb5Conf string
	Keytab   string
	Realm    string
	SPN      string

	Encrypt         string
	TrustServerCert bool
	AppName         string
	DialTimeout     time.Duration
}

// normalized moves any suffix carried by Host into Port or Instance.
func (c ConnInfo) normalized() ConnInfo {
	host, suffix := SplitDomainAndPort(c.Host)
	if suffix == "" {
		return c
	}
	c.Host = host
	switch suffix[0] {
	case ',':
		if p, err := strconv.Atoi(suffix[1:]); err == nil {
			c.Port = p
			c.Instance = ""
		}
	case '\\':
		c.Instance = suffix[1:]
		c.Port = 0
	}
	return c
}

// PortSuffix returns the ",port" or "\instance" suffix of the endpoint,
// or "" when the default port is used.
func (c ConnInfo) PortSuffix() string {
	n := c.normalized()
	switch {
	case n.Port != 0:
		return "," + strconv.Itoa(n.Port)
	case n.Instance != "":
		return `\` + n.Instance
	default:
		return ""
	}
}

// DataSource renders the endpoint as host[,port] or host\instance.
func (c ConnInfo) DataSource() string {
	return c.normalized().Host + c.PortSuffix()
}

// WithDataSource returns a copy of c pointing at dataSource.
func (c ConnInfo) WithDataSource(dataSource string) ConnInfo {
	c.Host = dataSource
	c.Port = 0
	c.Instance = ""
	return c.normalized()
}

// WithDatabase returns a copy of c with the initial catalog set to db.
func (c ConnInfo) WithDatabase(db string) ConnInfo {
	c.Database = db
	return c
}

// DSN builds a go-mssqldb URL connection string.
func (c ConnInfo) DSN() string {
	n := c.normalized()

	q := url.Values{}
	if n.Database != "" {
		q.Set("database", n.Database)
	}
	if n.Encrypt != "" {
		q.Set("encrypt", n.Encrypt)
	}
	q.Set("TrustServerCertificate", strconv.FormatBool(n.TrustServerCert))
	appName := n.AppName
	if appName == "" {
		appName = DefaultAppName
	}
	q.Set("app name", appName)
	if n.DialTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(n.DialTimeout.Seconds())))
	}

	u := &url.URL{Scheme: "sqlserver", Host: n.Host}
	if n.Port != 0 {
		u.Host = net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
	}
	if n.Instance != "" {
		u.Path = "/" + n.Instance
	}

	if strings.EqualFold(n.Auth, "kerberos") {
		q.Set("authenticator", "krb5")
		if n.Krb5Conf != "" {
			q.Set("krb5-configfile", n.Krb5Conf)
		}
		if n.Keytab != "" {
			q.Set("krb5-keytabfile", n.Keytab)
		}
		if n.Realm != "" {
			q.Set("krb5-realm", n.Realm)
		}
		if n.SPN != "" {
			q.Set("ServerSPN", n.SPN)
		}
		if n.User != "" {
			q.Set("krb5-username", n.User)
		}
	} else if n.User != "" {
		u.User = url.UserPassword(n.User, n.Password)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// String renders the endpoint without credentials.
func (c ConnInfo) String() string {
	n := c.normalized()
	if n.Database == "" {
		return n.DataSource()
	}
	return fmt.Sprintf("%s/%s", n.DataSource(), n.Database)
}

// SplitDomainAndPort splits a data source into its host and its ",port" or
// "\instance" suffix. A data source without a well-formed suffix is returned
// whole with an empty suffix.
func SplitDomainAndPort(dataSource string) (host, suffix string) {
	if i := strings.LastIndexByte(dataSource, ','); i > 0 {
		port := dataSource[i+1:]
		if port != "" && strings.Trim(port, "0123456789") == "" {
			return dataSource[:i], dataSource[i:]
		}
	}
	if i := strings.IndexByte(dataSource, '\\'); i > 0 && i < len(dataSource)-1 {
		return dataSource[:i], dataSource[i:]
	}
	return dataSource, ""
}

// PreferredPort chooses how to reach a replica. An explicit instance port
// always wins; a named instance yields to an explicit listener port;
// otherwise the instance suffix is used, falling back to the listener's.
func PreferredPort(instance, listener string) string {
	switch {
	case instance == "":
		return listener
	case strings.HasPrefix(instance, ","):
		return instance
	case strings.HasPrefix(listener, ","):
		return listener
	default:
		return instance
	}
}

// ListenerName returns the short listener name of a data source: the host
// up to its first dot.
func ListenerName(dataSource string) string {
	host, _ := SplitDomainAndPort(dataSource)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// quoteIdent quotes a SQL Server identifier, escaping embedded ].
func quoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}
