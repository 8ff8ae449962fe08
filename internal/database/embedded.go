package database

import (
	"fmt"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

const (
	embeddedUser     = "quotekeeper"
	embeddedPassword = "quotekeeper"
	embeddedDatabase = "quotekeeper"
)

// EmbeddedPostgres runs a private Postgres server for development setups
// that have no shared database yet.
type EmbeddedPostgres struct {
	server *embeddedpostgres.EmbeddedPostgres
	port   int
}

// StartEmbeddedPostgres starts a server on port keeping its data in dataDir.
func StartEmbeddedPostgres(dataDir string, port int) (*EmbeddedPostgres, error) {
	cfg := embeddedpostgres.DefaultConfig().
		DataPath(dataDir).
		Port(uint32(port)).
		Database(embeddedDatabase).
		Username(embeddedUser).
		Password(embeddedPassword)

	server := embeddedpostgres.NewDatabase(cfg)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}
	return &EmbeddedPostgres{server: server, port: port}, nil
}

// DSN returns the connection string of the running server.
func (e *EmbeddedPostgres) DSN() string {
	return fmt.Sprintf("host=127.0.0.1 port=%d user=%s password=%s dbname=%s sslmode=disable",
		e.port, embeddedUser, embeddedPassword, embeddedDatabase)
}

// Stop shuts the server down.
func (e *EmbeddedPostgres) Stop() error {
	return e.server.Stop()
}
