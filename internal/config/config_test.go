package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/answergrader/internal/store"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("db-driver", "SQLite")
	v.Set("db", ":memory:")
	v.Set("workers", 2)
	v.Set("queue-size", 10)
	v.Set("llm-timeout", "25s")
	v.Set("claim-ttl", "2m")
	v.Set("llm-temperature", 0.3)
	v.Set("prompt-variant", " Strict ")
	return v
}

func TestFromViper(t *testing.T) {
	v := validViper()
	v.Set("openai-api-key", "sk-env")
	v.Set("catalog", []string{"a.json", "b.json"})

	c := FromViper(v)
	require.NoError(t, c.Validate())
	assert.Equal(t, store.DriverSQLite, c.DBDriver)
	assert.Equal(t, "sk-env", c.LLM.APIKey)
	assert.Equal(t, 25*time.Second, c.LLM.Timeout)
	assert.Equal(t, 2*time.Minute, c.ClaimTTL)
	assert.EqualValues(t, "strict", c.LLM.PromptVariant)
	assert.Equal(t, []string{"*"}, c.CORSOrigins)
	assert.Equal(t, []string{"a.json", "b.json"}, c.Catalogs)

	v.Set("llm-key", "sk-flag")
	assert.Equal(t, "sk-flag", FromViper(v).LLM.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(v *viper.Viper)
	}{
		{"bad driver", func(v *viper.Viper) { v.Set("db-driver", "mysql") }},
		{"empty dsn", func(v *viper.Viper) { v.Set("db", "") }},
		{"zero workers", func(v *viper.Viper) { v.Set("workers", 0) }},
		{"zero queue", func(v *viper.Viper) { v.Set("queue-size", 0) }},
		{"zero timeout", func(v *viper.Viper) { v.Set("llm-timeout", "0s") }},
		{"ttl below timeout", func(v *viper.Viper) { v.Set("claim-ttl", "10s") }},
		{"hot temperature", func(v *viper.Viper) { v.Set("llm-temperature", 3.5) }},
		{"plain api key", func(v *viper.Viper) { v.Set("api-key-hash", "secret") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViper()
			tt.mod(v)
			assert.Error(t, FromViper(v).Validate())
		})
	}
}

func TestValidatePipelineIgnoresServerSettings(t *testing.T) {
	v := validViper()
	v.Set("workers", 0)
	v.Set("queue-size", 0)
	c := FromViper(v)
	assert.Error(t, c.Validate())
	assert.NoError(t, c.ValidatePipeline())

	v.Set("llm-timeout", "5m")
	assert.Error(t, FromViper(v).ValidatePipeline())
}
