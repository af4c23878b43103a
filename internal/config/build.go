package config

// Set at link time, for example:
//
//	go build -ldflags "-X reminders/internal/config.version=1.2.3 \
//	    -X reminders/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X reminders/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/reminderd
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
