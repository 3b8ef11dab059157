package config

const (
	defaultConfigPath          = "~/.config/volarbiter/config.toml"
	defaultAddr                = ":8080"
	defaultReadHeaderTimeoutMS = 5000
	defaultShutdownTimeoutMS   = 5000
	defaultDriver              = "sqlite"
	defaultDBPath              = "~/.local/share/volarbiter/arbiter.db"
	defaultBusyTimeoutMS       = 5000
	defaultMaxOpenConns        = 20
	defaultSweepIntervalMS     = 500
	defaultRedisChannel        = "data_pipeline"
	defaultRedisStatusKey      = "volume_status"
	defaultRedisPort           = "6379"
	defaultLogFormat           = "json"
	defaultLogLevel            = "info"
	defaultVolumeName          = "shared-data"
	defaultIssuer              = "volarbiter"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Addr:                defaultAddr,
			ReadHeaderTimeoutMS: defaultReadHeaderTimeoutMS,
			ShutdownTimeoutMS:   defaultShutdownTimeoutMS,
		},
		Storage: Storage{
			Driver:        defaultDriver,
			Path:          defaultDBPath,
			BusyTimeoutMS: defaultBusyTimeoutMS,
			MaxOpenConns:  defaultMaxOpenConns,
		},
		Auth: Auth{
			Issuer: defaultIssuer,
		},
		Lease: Lease{
			SweepIntervalMS: defaultSweepIntervalMS,
		},
		Redis: Redis{
			Channel:   defaultRedisChannel,
			StatusKey: defaultRedisStatusKey,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
