package config

// ConfigDiff describes what changed between two configs. LogLevel is the only
// field that can be hot-reloaded; everything else requires a session restart
// and is surfaced through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is true when live transport or session settings
	// changed; those only take effect for the next session.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live != new.Live || old.Session != new.Session {
		d.RestartRequired = true
	}

	return d
}
