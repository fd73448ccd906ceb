// Package config holds the settings shared by the answergrader commands.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/llm/prompts"
	"github.com/pavelanni/answergrader/internal/store"
)

type Config struct {
	Addr        string
	Lang        string
	CORSOrigins []string
	APIKeyHash  string // bcrypt

	DBDriver store.Driver
	DBDSN    string

	LLM llm.Config

	Workers        int
	QueueSize      int
	ClaimTTL       time.Duration
	RequeuePending bool

	BlobBaseURL string
	BlobDir     string

	Catalogs []string
}

// FromViper reads a Config from v. Keys missing from v take their zero value,
// so callers register flags with defaults first.
func FromViper(v *viper.Viper) Config {
	apiKey := v.GetString("llm-key")
	if apiKey == "" {
		apiKey = v.GetString("openai-api-key")
	}
	origins := v.GetStringSlice("cors-origins")
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return Config{
		Addr:        v.GetString("addr"),
		Lang:        v.GetString("lang"),
		CORSOrigins: origins,
		APIKeyHash:  strings.TrimSpace(v.GetString("api-key-hash")),
		DBDriver:    store.Driver(strings.ToLower(v.GetString("db-driver"))),
		DBDSN:       v.GetString("db"),
		LLM: llm.Config{
			BaseURL:       v.GetString("llm-url"),
			APIKey:        apiKey,
			Model:         v.GetString("llm-model"),
			Timeout:       v.GetDuration("llm-timeout"),
			Temperature:   float32(v.GetFloat64("llm-temperature")),
			MaxTokens:     v.GetInt("llm-max-tokens"),
			PromptVariant: prompts.PromptVariant(strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))),
		},
		Workers:        v.GetInt("workers"),
		QueueSize:      v.GetInt("queue-size"),
		ClaimTTL:       v.GetDuration("claim-ttl"),
		RequeuePending: v.GetBool("requeue-pending"),
		BlobBaseURL:    v.GetString("blob-base-url"),
		BlobDir:        v.GetString("blob-dir"),
		Catalogs:       v.GetStringSlice("catalog"),
	}
}

// Validate checks settings that would otherwise fail later at runtime.
// A missing model credential is allowed.
func (c Config) Validate() error {
	if err := c.ValidatePipeline(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue-size must be positive, got %d", c.QueueSize)
	}
	if c.APIKeyHash != "" && !strings.HasPrefix(c.APIKeyHash, "$2") {
		return fmt.Errorf("api-key-hash is not a bcrypt hash")
	}
	return nil
}

// ValidatePipeline checks only the settings a single synchronous evaluation needs.
func (c Config) ValidatePipeline() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm-timeout must be positive, got %s", c.LLM.Timeout)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim-ttl must be positive, got %s", c.ClaimTTL)
	}
	if c.ClaimTTL <= c.LLM.Timeout {
		return fmt.Errorf("claim-ttl (%s) must exceed llm-timeout (%s)", c.ClaimTTL, c.LLM.Timeout)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm-temperature must be within [0, 2], got %v", c.LLM.Temperature)
	}
	return nil
}

func (c Config) ValidateStore() error {
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("unsupported db-driver %q (want sqlite or postgres)", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db is required")
	}
	return nil
}
