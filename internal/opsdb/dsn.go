package opsdb

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// PoolingPolicy classifies how many native connections a DSN tolerates.
type PoolingPolicy int

const (
	// PolicySingleConnection is for embedded file-backed stores that do not
	// tolerate many concurrent native connections.
	PolicySingleConnection PoolingPolicy = iota
	// PolicyPooled is for client-server stores that accept a bounded pool.
	PolicyPooled
)

func (p PoolingPolicy) String() string {
	switch p {
	case PolicySingleConnection:
		return "single-connection"
	case PolicyPooled:
		return "pooled"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Dialect identifies the SQL flavor behind a DSN.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// target is the driver-level connection plan for one DSN, computed once when
// the DSN is first seen.
type target struct {
	policy    PoolingPolicy
	dialect   Dialect
	driver    string
	driverDSN string
}

func classifyDSN(dsn string) (target, error) {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return target{}, fmt.Errorf("dsn has no scheme: %s", MaskDSN(dsn))
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return target{
			policy:    PolicySingleConnection,
			dialect:   DialectSQLite,
			driver:    "sqlite",
			driverDSN: sqliteDriverDSN(dsn),
		}, nil
	case "postgres", "postgresql":
		return target{
			policy:    PolicyPooled,
			dialect:   DialectPostgres,
			driver:    "pgx",
			driverDSN: dsn,
		}, nil
	default:
		return target{}, fmt.Errorf("unsupported dsn scheme %q", scheme)
	}
}

// sqliteDriverDSN rewrites a sqlite:// DSN into the file: form the driver
// expects. sqlite:///foo.db is a relative path, sqlite:////var/foo.db an
// absolute one.
func sqliteDriverDSN(dsn string) string {
	_, rest, _ := strings.Cut(dsn, "://")
	p, rawQuery, _ := strings.Cut(rest, "?")
	p = strings.TrimPrefix(p, "/")

	values := url.Values{}
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "foreign_keys(ON)")
	if extra, err := url.ParseQuery(rawQuery); err == nil {
		for key, vs := range extra {
			for _, v := range vs {
				values.Add(key, v)
			}
		}
	}
	return fmt.Sprintf("file:%s?%s", p, values.Encode())
}

var dsnPasswordPattern = regexp.MustCompile(`(://[^:/@]+:)[^@]+(@)`)

// MaskDSN hides the password portion of a connection string so it can be
// logged and embedded in error messages.
func MaskDSN(dsn string) string {
	return dsnPasswordPattern.ReplaceAllString(dsn, "$1***$2")
}
