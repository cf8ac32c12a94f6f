package cmd

import (
	"fmt"

	"github.com/localmesh/p2pnode/internal/config"
	"github.com/localmesh/p2pnode/internal/logging"
	"github.com/localmesh/p2pnode/internal/node"
)

// bootstrap resolves configuration and logging from the persistent flags and
// returns a started Controller. Callers must c.Stop() when done.
func bootstrap() (*node.Controller, error) {
	cfg, err := config.Load(config.Options{
		Nickname:   flagNickname,
		SharedRoot: flagSharedRoot,
		Port:       flagPort,
		DeviceID:   flagDeviceID,
	})
	if err != nil {
		return nil, err
	}

	logger := logging.Init(flagLogLevel)
	logger = logging.With(logger, cfg.DeviceID)

	c := node.New(logger)
	if err := c.Start(cfg.StartConfig()); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return c, nil
}
