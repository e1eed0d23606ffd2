package config

import "time"

// Config holds the application configuration
type Config struct {
	Port        int
	GatewayURL  string
	ModelPath   string
	MappingPath string
	DBPath      string
	ReportsDir  string
	GetTimeout  time.Duration
	PutTimeout  time.Duration
	Version     string
}
