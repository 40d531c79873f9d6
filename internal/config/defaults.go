package config

const (
	defaultDataDir           = "~/.local/share/loom"
	defaultLogDir            = "~/.local/share/loom/logs"
	defaultAPIBind           = "127.0.0.1:7519"
	defaultBusyTimeoutMillis = 5000
	defaultLocalCapacity     = 4096
	defaultLocalShards       = 16
	defaultCacheTTLSeconds   = 3600
	defaultFailureThreshold  = 5
	defaultBreakerWindow     = 60
	defaultBreakerCooldown   = 30
	defaultCallTimeout       = 120
	defaultQuotaWindow       = 60
	defaultQuotaMaxRequests  = 120
	defaultPipelineWorkers   = 4
	defaultRetryBudget       = 3
	defaultRetryBackoff      = 250
	defaultAdvanceTimeout    = 1800
	defaultReclaimOnStartup  = 0
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Store: Store{
			BusyTimeoutMillis: defaultBusyTimeoutMillis,
		},
		Cache: Cache{
			LocalCapacity: defaultLocalCapacity,
			LocalShards:   defaultLocalShards,
			SharedEnabled: true,
			TTLSeconds:    defaultCacheTTLSeconds,
		},
		Breaker: Breaker{
			FailureThreshold:   defaultFailureThreshold,
			WindowSeconds:      defaultBreakerWindow,
			CooldownSeconds:    defaultBreakerCooldown,
			CallTimeoutSeconds: defaultCallTimeout,
		},
		Quota: Quota{
			WindowSeconds: defaultQuotaWindow,
			MaxRequests:   defaultQuotaMaxRequests,
		},
		Pipeline: Pipeline{
			Workers:              defaultPipelineWorkers,
			RetryBudget:          defaultRetryBudget,
			RetryBackoffMillis:   defaultRetryBackoff,
			AdvanceTimeoutSecs:   defaultAdvanceTimeout,
			ReclaimOnStartupSecs: defaultReclaimOnStartup,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
