package config_test

import (
	"errors"
	"testing"

	"jobq/internal/config"

	"github.com/stretchr/testify/assert"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:               "localhost",
		DBUser:               "user",
		DBName:               "db",
		EnableWorker:         true,
		WorkerID:             "w1",
		WorkerBatchSize:      10,
		WorkerMaxRuntimeMS:   30000,
		WorkerPollIntervalMS: 1000,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
		errIs   error
	}{
		{
			name:    "Valid Config",
			mutate:  func(c *config.Config) {},
			wantErr: false,
		},
		{
			name:    "Missing DBHost",
			mutate:  func(c *config.Config) { c.DBHost = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBUser",
			mutate:  func(c *config.Config) { c.DBUser = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Missing DBName",
			mutate:  func(c *config.Config) { c.DBName = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Worker without ID",
			mutate:  func(c *config.Config) { c.WorkerID = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name: "API-only instance needs no worker ID",
			mutate: func(c *config.Config) {
				c.EnableWorker = false
				c.WorkerID = ""
			},
			wantErr: false,
		},
		{
			name: "Events without nsqd",
			mutate: func(c *config.Config) {
				c.EnableEvents = true
				c.NSQDHost = ""
			},
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Zero batch size",
			mutate:  func(c *config.Config) { c.WorkerBatchSize = 0 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Zero poll interval",
			mutate:  func(c *config.Config) { c.WorkerPollIntervalMS = 0 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Negative stale claim grace",
			mutate:  func(c *config.Config) { c.StaleClaimGraceMS = -1 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Zero stale claim grace",
			mutate:  func(c *config.Config) { c.StaleClaimGraceMS = 0 },
			wantErr: false,
		},
		{
			name:    "Negative reap interval",
			mutate:  func(c *config.Config) { c.ReapIntervalSeconds = -5 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
		{
			name:    "Negative enqueue rate",
			mutate:  func(c *config.Config) { c.EnqueueRatePerSecond = -1 },
			wantErr: true,
			errIs:   config.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errIs != nil {
					assert.True(t, errors.Is(err, tt.errIs))
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
