// Package version exposes build metadata for the notifier binaries.
//
// Release builds stamp these via ldflags, e.g.:
//
//	go build -ldflags "\
//	  -X github.com/forkline/notifier/internal/version.Version=$(git describe --tags) \
//	  -X github.com/forkline/notifier/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/forkline/notifier/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	  ./cmd/notifierd
package version

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the short git hash the binary was built from.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String renders the version the way notifierd logs it at startup.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
