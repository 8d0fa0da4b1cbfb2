package database

import (
	"fmt"
	"net/url"
)

// ConnString builds a postgres:// URL from discrete settings. DATABASE_URL
// takes precedence in config; this covers the POSTGRES_* variables.
func ConnString(user, password, host, port, dbName string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + dbName,
	}
	return u.String()
}
