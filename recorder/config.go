package recorder

import "time"

type Config struct {
	// Address of the QuestDB ILP/HTTP endpoint.
	Address string
	// Interval between samples.
	Interval time.Duration
}

func NewDefaultConfig() *Config {
	return &Config{
		Address:  "localhost:9000",
		Interval: time.Second,
	}
}
