package config

import "time"

// Application constants
const (
	AppName    = "opsconsole"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g.
	// CONSOLE_LICENSE_AUTHORITY_URL.
	EnvPrefix = "CONSOLE"

	DefaultPrincipalHeader   = "X-Forwarded-Email"
	DefaultLicensePollPeriod = 5 * time.Minute
)

// ConfigFileLocations are checked in order when no config path is given.
var ConfigFileLocations = []string{
	"console.yaml",
	"configs/console.yaml",
	"/etc/opsconsole/console.yaml",
}
