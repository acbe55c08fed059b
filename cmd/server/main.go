/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the value engine server, and offers one-shot
  commands for rollups and expression checks. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve             Start the HTTP API
  rollup <id>       Roll up one resource and print the result
  check-equation    Compile a claim creation equation and print its variables

FLAGS:
  --config  YAML config file (see config/config.go); defaults apply when empty
  --port    HTTP server port, overrides server.port
  --db      SQLite database path, overrides database.path
            Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/value.db

  # Roll up a resource under a value equation
  ./server rollup r2 --equation ve-org

  # Check an expression
  ./server check-equation "quantity * valuePerUnit * 1.5"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
