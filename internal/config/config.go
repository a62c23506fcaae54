package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Config is the root configuration for livedesk.
type Config struct {
	Server  ServerConfig  `yaml:"server,omitempty"`
	Session SessionConfig `yaml:"session,omitempty"`
	Archive ArchiveConfig `yaml:"archive,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig controls the coordinator HTTP/WebSocket server.
type ServerConfig struct {
	Port           int    `yaml:"port,omitempty"`
	Bind           string `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string `yaml:"customBindHost,omitempty"`
}

// SessionConfig defines session lifecycle behavior.
type SessionConfig struct {
	// LinkWindowMinutes is how recently a device's previous session must
	// have closed for a new session to link to it.
	LinkWindowMinutes int `yaml:"linkWindowMinutes,omitempty"`

	// JoinTimeoutMs bounds the agent-side join confirmation wait.
	JoinTimeoutMs int `yaml:"joinTimeoutMs,omitempty"`
}

// ArchiveConfig locates the closed-session archive database.
type ArchiveConfig struct {
	Path string `yaml:"path,omitempty"` // empty → <data dir>/livedesk.db
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8790,
			Bind: "loopback",
		},
		Session: SessionConfig{
			LinkWindowMinutes: 24 * 60,
			JoinTimeoutMs:     1000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}
