package config

const (
	defaultRunDir         = "~/.local/share/btaudio"
	defaultLogDir         = "~/.local/share/btaudio/logs"
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultRequestTimeout = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RunDir: defaultRunDir,
			LogDir: defaultLogDir,
		},
		Engine: Engine{
			RequestTimeout: defaultRequestTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
