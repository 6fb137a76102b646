package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL              string `json:"base_url"`
	Token                string `json:"token"`
	Cookie               string `json:"cookie"`
	Username             string `json:"username"`
	Model                string `json:"model"`
	DataDir              string `json:"data_dir"`
	LogLevel             string `json:"log_level"`
	PageSize             int    `json:"page_size"`
	MaxConcurrentUploads int    `json:"max_concurrent_uploads"`
	MaxUploadSize        string `json:"max_upload_size"`
	SendThrottle         string `json:"send_throttle"`
	Prefetch             int    `json:"prefetch"`
	HTTP                 struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Sync struct {
		Schedule string `json:"schedule"`
	} `json:"sync"`
	Journal struct {
		Enabled bool `json:"enabled"`
	} `json:"journal"`
	Transcript struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	} `json:"transcript"`
	Notify struct {
		Telegram struct {
			Token  string `json:"token"`
			ChatID int64  `json:"chat_id"`
		} `json:"telegram"`
	} `json:"notify"`
}

func defaults() *Config {
	cfg := &Config{
		BaseURL:              "http://localhost:8080",
		DataDir:              filepath.Join(os.Getenv("HOME"), ".chatbot"),
		LogLevel:             "info",
		PageSize:             20,
		MaxConcurrentUploads: 2,
		MaxUploadSize:        "20 MB",
		SendThrottle:         "200ms",
		Prefetch:             5,
	}
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.Sync.Schedule = "@every 5m"
	cfg.Transcript.Model = "gpt-4"
	cfg.Transcript.MaxTokens = 8000
	return cfg
}

// Load reads the config at path, writing defaults there on first run.
// Values from a .env file next to the config, then from the environment,
// override the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		raw, err := readRaw(path)
		if err != nil {
			return nil, err
		}
		if err := fromMap(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	// Override from env (highest precedence)
	if v := lookup("CHATBOT_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := lookup("CHATBOT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := lookup("CHATBOT_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := lookup("CHATBOT_TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CHATBOT_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram.ChatID = id
	}

	return cfg, nil
}

// Throttle parses send_throttle. An empty value selects the default.
func (c *Config) Throttle() (time.Duration, error) {
	if c.SendThrottle == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SendThrottle)
	if err != nil {
		return 0, fmt.Errorf("send_throttle: %w", err)
	}
	return d, nil
}

// UploadLimit parses max_upload_size ("20 MB", "512KiB"). Empty means no
// limit.
func (c *Config) UploadLimit() (int64, error) {
	if c.MaxUploadSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("max_upload_size: %w", err)
	}
	return int64(n), nil
}

func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "conversations.json")
}

func (c *Config) PromptsPath() string {
	return filepath.Join(c.DataDir, "prompts.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save writes cfg to path atomically, as YAML or JSON by extension.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeRaw(path, m)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if isYAML(path) {
		err = yaml.Unmarshal(data, &m)
	} else {
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func writeRaw(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(m)
	} else {
		data, err = json.MarshalIndent(m, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// fromMap decodes a generic document into cfg through its JSON tags, so YAML
// and JSON files share one set of keys.
func fromMap(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}
