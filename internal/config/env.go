package config

import (
	"fmt"
	"os"
	"sort"
)

// envVarPrefix is the prefix for all skein environment variables.
const envVarPrefix = "SKEIN_"

// envFieldType is the type of a configuration field.
type envFieldType int

const (
	envTypeString envFieldType = iota
	envTypeSize
)

type envMapping struct {
	field string
	typ   envFieldType
	help  string
}

// envMappings maps environment variable names (without prefix) to config fields.
var envMappings = map[string]envMapping{
	"CACHE_BUDGET":          {field: "cache.budget", typ: envTypeSize, help: "Region cache budget, e.g. 64MiB"},
	"CACHE_POLICY":          {field: "cache.policy", typ: envTypeString, help: "Eviction policy: lru or tinylfu"},
	"CURSOR_WINDOW":         {field: "cursor.window", typ: envTypeSize, help: "Cursor window size, e.g. 4KiB"},
	"FILES_LARGE_THRESHOLD": {field: "files.large_threshold", typ: envTypeSize, help: "Size above which files load lazily"},
	"LOG_LEVEL":             {field: "log.level", typ: envTypeString, help: "Log level: debug, info, warn or error"},
}

// LoadFromEnv applies SKEIN_* overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	for suffix, mapping := range envMappings {
		name := envVarPrefix + suffix
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := applyEnvValue(cfg, mapping, value, name); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvValue(cfg *Config, mapping envMapping, value, name string) error {
	switch mapping.typ {
	case envTypeString:
		return setStringField(cfg, mapping.field, value)
	case envTypeSize:
		size, err := ParseSize(value)
		if err != nil {
			return fmt.Errorf("invalid size for %s: %w", name, err)
		}
		return setSizeField(cfg, mapping.field, size)
	default:
		return fmt.Errorf("unknown field type for %s", name)
	}
}

func setStringField(cfg *Config, field, value string) error {
	switch field {
	case "cache.policy":
		cfg.Cache.Policy = value
	case "log.level":
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown string field: %s", field)
	}
	return nil
}

func setSizeField(cfg *Config, field string, value Size) error {
	switch field {
	case "cache.budget":
		cfg.Cache.Budget = value
	case "cursor.window":
		cfg.Cursor.Window = value
	case "files.large_threshold":
		cfg.Files.LargeThreshold = value
	default:
		return fmt.Errorf("unknown size field: %s", field)
	}
	return nil
}

// EnvVar describes one supported environment variable.
type EnvVar struct {
	Name string
	Help string
}

// ListEnvVars returns the supported environment variables sorted by name.
func ListEnvVars() []EnvVar {
	out := make([]EnvVar, 0, len(envMappings))
	for suffix, mapping := range envMappings {
		out = append(out, EnvVar{Name: envVarPrefix + suffix, Help: mapping.help})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
