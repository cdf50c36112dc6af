package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the nexus daemon and CLI.
// It is built once at startup and threaded through every constructor.
type Config struct {
	BaseDir        string        `yaml:"-"`
	File           string        `yaml:"-"`               // Where the overlay was read from
	LogDir         string        `yaml:"log_dir"`         // Per-job logs, event log, pause marker
	JobsFile       string        `yaml:"jobs_file"`       // Queue file
	DBPath         string        `yaml:"db_path"`         // Running-job registry (SQLite)
	RefreshRate    time.Duration `yaml:"refresh_rate"`    // Tick interval
	DatetimeFormat string        `yaml:"datetime_format"` // strftime layout for the event log
	HistoryLimit   int           `yaml:"history_limit"`   // Terminal jobs kept in memory
	SessionBackend string        `yaml:"session_backend"` // "screen" or "tmux"
	PersistRunning bool          `yaml:"persist_running"` // Record running jobs in DBPath
	MockGPUs       bool          `yaml:"mock_gpus"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // 0 = external tools may block forever

	GPU     GPUConfig     `yaml:"gpu"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Archive ArchiveConfig `yaml:"archive"`
}

// GPUConfig holds device selection settings.
type GPUConfig struct {
	Blacklist []int `yaml:"blacklist"` // Device indices never assigned
}

// ServerConfig holds the daemon API settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds diagnostic logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ArchiveConfig controls what happens to a completed job's log directory.
type ArchiveConfig struct {
	RemoveSource bool   `yaml:"remove_source"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Prefix     string `yaml:"s3_prefix"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
}

// Default returns the configuration rooted at baseDir.
func Default(baseDir string) Config {
	return Config{
		BaseDir:        baseDir,
		File:           Path(baseDir),
		LogDir:         filepath.Join(baseDir, "logs"),
		JobsFile:       filepath.Join(baseDir, "jobs.txt"),
		DBPath:         filepath.Join(baseDir, "running.db"),
		RefreshRate:    5 * time.Second,
		DatetimeFormat: "%Y-%m-%d %H:%M:%S",
		HistoryLimit:   1000,
		SessionBackend: "screen",
		PersistRunning: true,
		Server:         ServerConfig{Addr: "127.0.0.1:54323"},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultBaseDir returns $NEXUS_HOME, falling back to ~/.nexus.
func DefaultBaseDir() (string, error) {
	if dir := os.Getenv("NEXUS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".nexus"), nil
}

// Path returns the location of the config file inside baseDir.
func Path(baseDir string) string {
	return filepath.Join(baseDir, "config.yaml")
}

// Load overlays the YAML file at path onto Default(baseDir).
// A missing file yields the defaults.
func Load(baseDir, path string) (Config, error) {
	cfg := Default(baseDir)
	cfg.File = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.LogDir = expandHome(cfg.LogDir)
	cfg.JobsFile = expandHome(cfg.JobsFile)
	cfg.DBPath = expandHome(cfg.DBPath)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// durationKeys accept either a Go duration string or a bare number of
// seconds, e.g. "refresh_rate: 5".
var durationKeys = map[string]bool{"refresh_rate": true, "command_timeout": true}

// UnmarshalYAML decodes the overlay, reading bare numbers under
// durationKeys as seconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, v := value.Content[i], value.Content[i+1]
			if !durationKeys[key.Value] || v.Kind != yaml.ScalarNode {
				continue
			}
			if tag := v.ShortTag(); tag == "!!int" || tag == "!!float" {
				v.Value += "s"
				v.Tag = "!!str"
			}
		}
	}
	type plain Config
	return value.Decode((*plain)(c))
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.RefreshRate <= 0 {
		return fmt.Errorf("refresh_rate must be positive, got %s", c.RefreshRate)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative, got %d", c.HistoryLimit)
	}
	switch c.SessionBackend {
	case "screen", "tmux":
	default:
		return fmt.Errorf("session_backend must be screen or tmux, got %q", c.SessionBackend)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout must not be negative, got %s", c.CommandTimeout)
	}
	return nil
}

// EnsureDirs creates the base, log and archive directories and an empty
// queue file. The daemon cannot run without them.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.BaseDir, c.LogDir, c.ArchiveDir(), filepath.Dir(c.JobsFile)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(c.JobsFile, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", c.JobsFile, err)
	}
	return f.Close()
}

// PauseMarker is the zero-byte file whose presence suspends assignment.
func (c Config) PauseMarker() string {
	return filepath.Join(c.LogDir, "paused")
}

// EventLog is the append-only service log.
func (c Config) EventLog() string {
	return filepath.Join(c.LogDir, "service.log")
}

// ArchiveDir holds compressed logs of completed jobs.
func (c Config) ArchiveDir() string {
	return filepath.Join(c.LogDir, "archived")
}

// SaveBlacklist rewrites gpu.blacklist in the config file at path, keeping
// every other key and comment. A missing file is created.
func SaveBlacklist(path string, indices []int) error {
	var doc yaml.Node
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		doc.Kind = yaml.DocumentNode
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config %s: top level is not a mapping", path)
	}

	gpu := mappingValue(root, "gpu")
	if gpu.Kind != yaml.MappingNode {
		*gpu = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	list := mappingValue(gpu, "blacklist")

	sorted := slices.Clone(indices)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	seq := yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle}
	for _, idx := range sorted {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(idx)})
	}
	seq.HeadComment, seq.LineComment = list.HeadComment, list.LineComment
	*list = seq

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	return writeAtomic(path, buf.Bytes())
}

// mappingValue returns the value node for key in m, appending a null entry
// when the key is absent.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	v := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

// writeAtomic replaces path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
