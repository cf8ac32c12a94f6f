// Package config generalizes the teacher's cli/internal/config CLI-flag >
// env-var > default precedence chain from WebRTC signaling settings to the
// node's identity and sharing settings.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/localmesh/p2pnode/internal/model"
)

// Default configuration values.
const (
	DefaultPort = 8888
)

// Environment variable names, all P2PNODE_-prefixed so the binary never
// collides with an unrelated tool's env vars.
const (
	EnvNickname   = "P2PNODE_NICKNAME"
	EnvSharedRoot = "P2PNODE_SHARED_ROOT"
	EnvPort       = "P2PNODE_PORT"
	EnvDeviceID   = "P2PNODE_DEVICE_ID"
)

// Options carries CLI-flag overrides into Load; zero values mean "not set
// on the command line".
type Options struct {
	Nickname   string
	SharedRoot string
	Port       int
	DeviceID   string
}

// Config is the resolved, ready-to-use settings bundle.
type Config struct {
	DeviceID   string
	Nickname   string
	SharedRoot string
	Port       int
}

// Load resolves opts against P2PNODE_* environment variables and finally
// hardcoded defaults (port 8888, nickname from os.Hostname(), a fresh
// random deviceId persisted by the caller if it wants a stable identity
// across restarts).
func Load(opts Options) (*Config, error) {
	nickname := opts.Nickname
	if nickname == "" {
		nickname = os.Getenv(EnvNickname)
	}
	if nickname == "" {
		if host, err := os.Hostname(); err == nil {
			nickname = host
		} else {
			nickname = "p2pnode"
		}
	}

	sharedRoot := opts.SharedRoot
	if sharedRoot == "" {
		sharedRoot = os.Getenv(EnvSharedRoot)
	}
	if sharedRoot == "" {
		return nil, fmt.Errorf("config: sharedRoot is required (flag, or %s)", EnvSharedRoot)
	}

	port := opts.Port
	if port == 0 {
		if envPort, ok := os.LookupEnv(EnvPort); ok {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return nil, fmt.Errorf("config: invalid %s: %w", EnvPort, err)
			}
		}
	}
	if port == 0 {
		port = DefaultPort
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = os.Getenv(EnvDeviceID)
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return &Config{
		DeviceID:   deviceID,
		Nickname:   nickname,
		SharedRoot: sharedRoot,
		Port:       port,
	}, nil
}

// StartConfig adapts a resolved Config to the node.Controller's input type.
func (c *Config) StartConfig() model.StartConfig {
	return model.StartConfig{
		DeviceID:   c.DeviceID,
		Nickname:   c.Nickname,
		SharedRoot: c.SharedRoot,
		Port:       c.Port,
	}
}
