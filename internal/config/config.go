package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")

	// Optional engram.yml in the working directory; env vars override it.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for _, name := range []string{"engram.yml", "engram.yaml"} {
			candidate := cwd + string(os.PathSeparator) + name
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
		}
	}

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Externally recognized environment variables are unprefixed, so each
	// gets an explicit binding.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("auth.api-key", "MCP_API_KEY")
	_ = v.BindEnv("auth.allow-insecure-local", "MCP_API_KEY_ALLOW_INSECURE_LOCAL")
	_ = v.BindEnv("migration.lock-file", "DB_MIGRATION_LOCK_FILE")
	_ = v.BindEnv("migration.lock-timeout-sec", "DB_MIGRATION_LOCK_TIMEOUT_SEC")
	_ = v.BindEnv("runtime.write-global-concurrency", "RUNTIME_WRITE_GLOBAL_CONCURRENCY")
	_ = v.BindEnv("runtime.write-wait-warn-ms", "RUNTIME_WRITE_WAIT_WARN_MS")
	_ = v.BindEnv("runtime.index-queue-maxsize", "RUNTIME_INDEX_QUEUE_MAXSIZE")
	_ = v.BindEnv("runtime.index-recent-jobs", "RUNTIME_INDEX_RECENT_JOBS")
	_ = v.BindEnv("runtime.index-worker-enabled", "RUNTIME_INDEX_WORKER_ENABLED")
	_ = v.BindEnv("runtime.defer-index-on-write", "RUNTIME_DEFER_INDEX_ON_WRITE")
	_ = v.BindEnv("runtime.session-cache-max-hits", "RUNTIME_SESSION_CACHE_MAX_HITS")
	_ = v.BindEnv("runtime.session-cache-half-life-seconds", "RUNTIME_SESSION_CACHE_HALF_LIFE_SECONDS")
	_ = v.BindEnv("runtime.flush-trigger-chars", "RUNTIME_FLUSH_TRIGGER_CHARS")
	_ = v.BindEnv("runtime.flush-min-events", "RUNTIME_FLUSH_MIN_EVENTS")
	_ = v.BindEnv("runtime.flush-max-events", "RUNTIME_FLUSH_MAX_EVENTS")
	_ = v.BindEnv("runtime.guard-event-limit", "RUNTIME_GUARD_EVENT_LIMIT")
	_ = v.BindEnv("runtime.vitality-decay-check-interval-seconds", "RUNTIME_VITALITY_DECAY_CHECK_INTERVAL_SECONDS")
	_ = v.BindEnv("runtime.cleanup-review-ttl-seconds", "RUNTIME_CLEANUP_REVIEW_TTL_SECONDS")
	_ = v.BindEnv("runtime.cleanup-review-max-pending", "RUNTIME_CLEANUP_REVIEW_MAX_PENDING")
	_ = v.BindEnv("runtime.sleep-consolidation-enabled", "RUNTIME_SLEEP_CONSOLIDATION_ENABLED")
	_ = v.BindEnv("runtime.sleep-consolidation-interval-seconds", "RUNTIME_SLEEP_CONSOLIDATION_INTERVAL_SECONDS")
	_ = v.BindEnv("runtime.sleep-dedup-apply", "RUNTIME_SLEEP_DEDUP_APPLY")
	_ = v.BindEnv("runtime.sleep-fragment-rollup-apply", "RUNTIME_SLEEP_FRAGMENT_ROLLUP_APPLY")
	_ = v.BindEnv("retrieval.embedding-backend", "RETRIEVAL_EMBEDDING_BACKEND")
	_ = v.BindEnv("retrieval.embedding-api-base", "RETRIEVAL_EMBEDDING_API_BASE")
	_ = v.BindEnv("retrieval.embedding-model", "RETRIEVAL_EMBEDDING_MODEL")
	_ = v.BindEnv("retrieval.embedding-dim", "RETRIEVAL_EMBEDDING_DIM")
	_ = v.BindEnv("retrieval.reranker-enabled", "RETRIEVAL_RERANKER_ENABLED")
	_ = v.BindEnv("retrieval.reranker-api-base", "RETRIEVAL_RERANKER_API_BASE")
	_ = v.BindEnv("retrieval.reranker-model", "RETRIEVAL_RERANKER_MODEL")
	_ = v.BindEnv("guard.llm-enabled", "WRITE_GUARD_LLM_ENABLED")
	_ = v.BindEnv("guard.llm-api-base", "WRITE_GUARD_LLM_API_BASE")
	_ = v.BindEnv("guard.llm-model", "WRITE_GUARD_LLM_MODEL")
	_ = v.BindEnv("gist.llm-enabled", "COMPACT_GIST_LLM_ENABLED")
	_ = v.BindEnv("gist.llm-api-base", "COMPACT_GIST_LLM_API_BASE")
	_ = v.BindEnv("gist.llm-model", "COMPACT_GIST_LLM_MODEL")
	_ = v.BindEnv("observability.cleanup-query-slow-ms", "OBSERVABILITY_CLEANUP_QUERY_SLOW_MS")

	v.SetDefault("database.url", "engram.db")
	v.SetDefault("auth.api-key", "")
	v.SetDefault("auth.allow-insecure-local", false)
	v.SetDefault("migration.lock-file", "")
	v.SetDefault("migration.lock-timeout-sec", 10.0)

	v.SetDefault("runtime.write-global-concurrency", 1)
	v.SetDefault("runtime.write-wait-warn-ms", 2000)
	v.SetDefault("runtime.index-queue-maxsize", 256)
	v.SetDefault("runtime.index-recent-jobs", 30)
	v.SetDefault("runtime.index-worker-enabled", true)
	v.SetDefault("runtime.defer-index-on-write", true)
	v.SetDefault("runtime.session-cache-max-hits", 200)
	v.SetDefault("runtime.session-cache-half-life-seconds", 6*3600)
	v.SetDefault("runtime.flush-trigger-chars", 6000)
	v.SetDefault("runtime.flush-min-events", 6)
	v.SetDefault("runtime.flush-max-events", 80)
	v.SetDefault("runtime.guard-event-limit", 300)
	v.SetDefault("runtime.vitality-decay-check-interval-seconds", 600)
	v.SetDefault("runtime.cleanup-review-ttl-seconds", 900)
	v.SetDefault("runtime.cleanup-review-max-pending", 64)
	v.SetDefault("runtime.sleep-consolidation-enabled", true)
	v.SetDefault("runtime.sleep-consolidation-interval-seconds", 1800)
	v.SetDefault("runtime.sleep-dedup-apply", false)
	v.SetDefault("runtime.sleep-fragment-rollup-apply", false)
	v.SetDefault("runtime.vitality-cap", 3.0)
	v.SetDefault("runtime.vitality-reinforce-delta", 0.1)
	v.SetDefault("runtime.vitality-decay-lambda", 1.0/30.0)

	v.SetDefault("retrieval.embedding-backend", "hash")
	v.SetDefault("retrieval.embedding-api-base", "")
	v.SetDefault("retrieval.embedding-model", "")
	v.SetDefault("retrieval.embedding-dim", 256)
	v.SetDefault("retrieval.reranker-enabled", false)
	v.SetDefault("retrieval.reranker-api-base", "")
	v.SetDefault("retrieval.reranker-model", "")
	v.SetDefault("retrieval.default-mode", "hybrid")
	v.SetDefault("retrieval.max-results", 8)
	v.SetDefault("retrieval.candidate-multiplier", 4)
	v.SetDefault("retrieval.hard-max-results", 50)
	v.SetDefault("retrieval.hard-max-candidate-multiplier", 20)

	v.SetDefault("guard.llm-enabled", false)
	v.SetDefault("guard.llm-api-base", "")
	v.SetDefault("guard.llm-model", "")
	v.SetDefault("gist.llm-enabled", false)
	v.SetDefault("gist.llm-api-base", "")
	v.SetDefault("gist.llm-model", "")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "30s")

	v.SetDefault("observability.cleanup-query-slow-ms", 250.0)

	v.SetDefault("server.listen", "127.0.0.1:8600")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 50)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 14)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value. Truthy strings
// (1/true/yes/on/enabled, case-insensitive) are accepted because the
// recognized environment variables predate this implementation.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	raw := strings.TrimSpace(strings.ToLower(v.GetString(key)))
	switch raw {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled", "":
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetIntMin retrieves an integer configuration value clamped to a floor.
func GetIntMin(key string, minimum int) int {
	value := GetInt(key)
	if value < minimum {
		return minimum
	}
	return value
}

// GetFloat retrieves a float configuration value
func GetFloat(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
