package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv builds the configuration from the environment, the way the container
// image is deployed. All values are read exactly once; anything unparsable is a
// startup error rather than a surprise mid-run.
func FromEnv() (*Config, error) {
	var err error

	c := &Config{
		Host:             os.Getenv("DB_HOST"),
		Database:         os.Getenv("DB_NAME"),
		Username:         os.Getenv("DB_USER"),
		Password:         os.Getenv("DB_PASSWORD"),
		SinkURL:          os.Getenv("EXTERNAL_DB_URL"),
		SinkAPIKey:       os.Getenv("EXTERNAL_DB_API_KEY"),
		ExternalServerID: os.Getenv("EXTERNAL_SERVER_ID"),
		StateDir:         os.Getenv("STATE_DIR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	c.Port, err = joinInt(err, "DB_PORT", 5432)

	var intervalMinutes, requestSecs, querySecs, retryDelaySecs int
	intervalMinutes, err = joinInt(err, "SYNC_INTERVAL_MINUTES", 5)
	c.BatchSize, err = joinInt(err, "BATCH_SIZE", 1000)
	c.MaxBatchesPerTick, err = joinInt(err, "MAX_BATCHES_PER_TICK", 50)
	requestSecs, err = joinInt(err, "REQUEST_TIMEOUT", 300)
	querySecs, err = joinInt(err, "QUERY_TIMEOUT", 60)
	c.MaxRetries, err = joinInt(err, "MAX_RETRIES", 3)
	retryDelaySecs, err = joinInt(err, "RETRY_DELAY", 5)

	c.SyncInterval = time.Duration(intervalMinutes) * time.Minute
	c.RequestTimeout = time.Duration(requestSecs) * time.Second
	c.QueryTimeout = time.Duration(querySecs) * time.Second
	c.RetryDelay = time.Duration(retryDelaySecs) * time.Second

	c.SyncEnabled, err = joinBool(err, "ENABLE_SYNC", true)

	c.EnabledServers, err = joinServerList(err, "ENABLED_SERVERS")
	c.ServerNames, err = joinServerNames(err, "SERVER_NAMES")

	c.SetDefault()

	if vErr := c.Validate(); vErr != nil {
		err = errors.Join(err, vErr)
	}
	if err != nil {
		return nil, fmt.Errorf("config from environment: %w", err)
	}
	return c, nil
}

func joinInt(err error, key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, err
	}
	v, pErr := strconv.Atoi(raw)
	if pErr != nil {
		return def, errors.Join(err, fmt.Errorf("%s=%q is not an integer", key, raw))
	}
	return v, err
}

func joinBool(err error, key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, err
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes":
		return true, err
	case "false", "0", "no":
		return false, err
	default:
		return def, errors.Join(err, fmt.Errorf("%s=%q is not a boolean", key, raw))
	}
}

func joinServerList(err error, key string) ([]int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, err
	}

	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, pErr := strconv.Atoi(part)
		if pErr != nil {
			return nil, errors.Join(err, fmt.Errorf("%s entry %q is not a server id", key, part))
		}
		ids = append(ids, id)
	}
	return ids, err
}

// SERVER_NAMES arrives as a JSON object keyed by server id, e.g.
// {"1": "Server-DE-01", "2": "Server-DE-02"}.
func joinServerNames(err error, key string) (map[int]string, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, err
	}

	byString := map[string]string{}
	if uErr := json.Unmarshal([]byte(raw), &byString); uErr != nil {
		return nil, errors.Join(err, fmt.Errorf("%s is not a valid JSON object: %w", key, uErr))
	}

	names := make(map[int]string, len(byString))
	for idStr, name := range byString {
		id, pErr := strconv.Atoi(idStr)
		if pErr != nil {
			return nil, errors.Join(err, fmt.Errorf("%s key %q is not a server id", key, idStr))
		}
		names[id] = name
	}
	return names, err
}
