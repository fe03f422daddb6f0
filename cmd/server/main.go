/*
main.go - Application entry point

PURPOSE:
  Starts the obligations CLI. All wiring lives in package cli; `serve`
  runs the HTTP API with the sync loop and the reminder scheduler.

BUILD INFO:
  version, commit and date are set at link time:
    go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse --short HEAD)" ./cmd/server

EXAMPLES:
  # Run the API on the default port with file databases
  ./server serve

  # Run with in-memory obligations and a custom port
  OBLIGATIONS_DB_PATH=":memory:" ./server serve -p 3000

  # Replay the offline queue once
  ./server sync

SEE ALSO:
  - cli/serve.go: Server startup and graceful shutdown
  - config/config.go: Settings and environment variables
*/
package main

import "github.com/vts/obligation-engine/cli"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Execute(version, commit, date)
}
