package version

import "fmt"

const Name = "apollo"

var (
	Version           = "0.1.0"
	VersionPrerelease = ""
)

// HumanVersion formats the version for -version and the startup banner.
func HumanVersion() string {
	if VersionPrerelease != "" {
		return fmt.Sprintf("%s v%s-%s", Name, Version, VersionPrerelease)
	}
	return fmt.Sprintf("%s v%s", Name, Version)
}
