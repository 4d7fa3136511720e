package config

import "strings"

// Environment identifies the runtime environment aarbus operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func normalizeEnvironment(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dev", "development", "local":
		return EnvDev
	case "staging", "stage":
		return EnvStaging
	case "prod", "production":
		return EnvProd
	default:
		return Environment(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// LogFormat selects the log encoder.
type LogFormat string

const (
	// LogFormatJSON emits one JSON object per line.
	LogFormatJSON LogFormat = "json"
	// LogFormatConsole emits human-readable lines.
	LogFormatConsole LogFormat = "console"
)
