package version

import "fmt"

// Set at build time with -ldflags "-X github.com/abdul-hamid-achik/newsrag/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Full() string {
	return fmt.Sprintf("%s (%s) %s", Version, Commit, Date)
}

func Short() string {
	return Version
}

// UserAgent is sent on outgoing HTTP requests.
func UserAgent() string {
	return "newsrag/" + Version
}
