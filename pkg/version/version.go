package version

import "strings"

const unknown = "unknown"

var (
	// AppVersion is overridden at build time:
	// go build -ldflags="-X github.com/kota-suzu/StockRx-sub003/pkg/version.AppVersion=v1.2.3"
	AppVersion = "dev"

	// GitCommit is overridden at build time.
	GitCommit = unknown

	// BuildTime is overridden at build time (RFC3339 recommended).
	BuildTime = unknown
)

// Info contains the build metadata of a binary.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the version metadata of this build.
func Current(serviceName string) Info {
	return Info{
		Service:   orDefault(serviceName, unknown),
		Version:   orDefault(AppVersion, "dev"),
		Commit:    orDefault(GitCommit, unknown),
		BuildTime: orDefault(BuildTime, unknown),
	}
}

func orDefault(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
