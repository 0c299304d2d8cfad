package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxIterations:   10,
			Evaluators:      1,
			Mode:            "sequential",
			AutoApprove:     false,
			ApprovalTimeout: 24 * time.Hour,
		},
		Engine: EngineConfig{
			RetryAttempts: 3,
		},
		Persistence: PersistenceConfig{
			Type:    "memory",
			BaseDir: "./data",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "iterflow:session:",
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "iterflow",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "iterflow",
			SampleRate:   1.0,
		},
	}
}
