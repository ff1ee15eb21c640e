package buildinfo

import (
	"fmt"

	"github.com/pingup/pingup/core/infra/logging"
)

// Set with -ldflags "-X github.com/pingup/pingup/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary for a service at startup.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date)
}
