// Package imap implements the bounded IMAP connection pool and per-folder
// UID discovery protocol that feed the migration pipeline's discovery
// producers.
package imap

import "fmt"

// Config holds the source mailbox connection settings the pool needs to
// dial and authenticate.
type Config struct {
	Host     string
	Port     int
	TLS      bool // implicit TLS (IMAPS, typically port 993)
	Username string
	Password string
}

// Addr returns the "host:port" dial string.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
