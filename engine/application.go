package engine

type ApplicationConfig struct {
	// Name used for the device and in log lines.
	Name string
	// TOML file read at startup and watched for changes.
	ConfigPath string
	// Overrides the level from the configuration file when set.
	LogLevel string
	// Disable the configuration watcher, e.g. for one-shot runs.
	NoWatch bool
}
