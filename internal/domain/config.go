// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config holds the application configuration, unmarshaled from viper.
type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	APIToken string `mapstructure:"apiToken"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	PprofEnabled bool `mapstructure:"pprofEnabled"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	// Catalog service (system of record for media items).
	CatalogURL    string `mapstructure:"catalogUrl"`
	CatalogAPIKey string `mapstructure:"catalogApiKey"`

	// Cache-provider service (fetches content by infohash).
	ProviderURL    string `mapstructure:"providerUrl"`
	ProviderAPIKey string `mapstructure:"providerApiKey"`

	// Problem states to monitor in the catalog.
	ProblemStates []string `mapstructure:"problemStates"`

	// Loop cadence.
	CheckIntervalHours          float64 `mapstructure:"checkIntervalHours"`
	ProviderPollIntervalMinutes float64 `mapstructure:"providerPollIntervalMinutes"`
	ReaperIntervalHours         float64 `mapstructure:"reaperIntervalHours"`

	// Retry engine.
	RetryIntervalMinutes float64 `mapstructure:"retryIntervalMinutes"`
	MaxRetries           int     `mapstructure:"maxRetries"`
	SkipCatalogRetry     bool    `mapstructure:"skipCatalogRetry"`

	// Slot scheduler.
	MaxCandidates      int `mapstructure:"maxCandidates"`
	MaxActiveDownloads int `mapstructure:"maxActiveDownloads"`
	SubmitDelaySeconds int `mapstructure:"submitDelaySeconds"`

	// Download monitor / orphan reaper.
	MaxWaitHours float64 `mapstructure:"maxWaitHours"`
	StuckHours   float64 `mapstructure:"stuckHours"`

	// Rate limiting (minimum seconds between calls per service).
	CatalogRateLimitSeconds  float64 `mapstructure:"catalogRateLimitSeconds"`
	ProviderRateLimitSeconds float64 `mapstructure:"providerRateLimitSeconds"`

	// Skip the provider account check on startup.
	SkipProviderValidation bool `mapstructure:"skipProviderValidation"`
}
