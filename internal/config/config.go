package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load загружает конфигурацию из TOML файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает TOML, применяет значения по умолчанию и раскрывает переменные
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// expandEnvVars расширяет переменные окружения в конфигурации
func expandEnvVars(c *Config) {
	c.Storage.EncryptionKey = expandEnv(c.Storage.EncryptionKey)

	c.Worker.Binary = expandHome(expandEnv(c.Worker.Binary))
	c.Worker.TempDir = expandHome(expandEnv(c.Worker.TempDir))
	for i, arg := range c.Worker.Args {
		c.Worker.Args[i] = expandEnv(arg)
	}
	for i, kv := range c.Worker.Env {
		c.Worker.Env[i] = expandEnv(kv)
	}

	c.Runtime.PIDDir = expandHome(expandEnv(c.Runtime.PIDDir))
	c.Instances.ConfigDir = expandHome(expandEnv(c.Instances.ConfigDir))
	c.Storage.Path = expandHome(expandEnv(c.Storage.Path))
	c.Logging.Output = expandHome(expandEnv(c.Logging.Output))
}

// expandEnv заменяет все вхождения ${VAR} и ${VAR:default} в строке
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		b.WriteString(lookup(s[start+2 : end]))
		s = s[end+1:]
	}
	return b.String()
}

func lookup(content string) string {
	if key, def, ok := strings.Cut(content, ":"); ok {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return def
	}
	return os.Getenv(content)
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
