package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/bisonbotkit/config"
)

type WagerBotConfig struct {
	*config.BotConfig // Embed the base BotConfig

	// Additional wager-specific fields
	IsF2P       bool
	MinStakeDCR float64
	SideChance  int
	WindowSecs  int

	// HouseID overrides the identity credited with house wins.
	// Defaults to the zero identity when unset.
	HouseID zkidentity.ShortID
}

// Load config function
func LoadWagerBotConfig(dataDir, configFile string) (*WagerBotConfig, error) {
	// First load the base bot config
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	cfg := &WagerBotConfig{
		BotConfig: baseConfig,
	}

	if v := baseConfig.ExtraConfig["isf2p"]; v != "" {
		cfg.IsF2P, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse isf2p: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["minstake"]; v != "" {
		cfg.MinStakeDCR, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minstake: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["sidechance"]; v != "" {
		cfg.SideChance, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sidechance: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["windowsecs"]; v != "" {
		cfg.WindowSecs, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse windowsecs: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["houseid"]; v != "" {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != len(cfg.HouseID) {
			return nil, fmt.Errorf("invalid houseid: expected %d hex chars",
				2*len(cfg.HouseID))
		}
		copy(cfg.HouseID[:], b)
	}

	return cfg, nil
}
