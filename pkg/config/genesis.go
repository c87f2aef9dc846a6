package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// GenesisValidator is one validator's starting stake, keyed by the hex
// encoding of model.ValidatorPublicKey so the genesis file stays a plain
// JSON document with no dependency on the model package.
type GenesisValidator struct {
	PublicKey string `json:"public_key"`
	Stake     uint64 `json:"stake"`
}

// Genesis is the initial staking view a node bootstraps from: the bonding
// threshold plus the starting validator set and their stakes.
type Genesis struct {
	MinStake   uint64             `json:"min_stake"`
	Validators []GenesisValidator `json:"validators"`
}

// LoadGenesis reads a genesis file written by `bftnode genesis`.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}
	return &g, nil
}

// Save writes g to path as indented JSON.
func (g *Genesis) Save(path string) error {
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write genesis file: %w", err)
	}
	return nil
}
