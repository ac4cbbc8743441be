// Package system wires the memory hierarchy together: per-core split L1
// caches, the shared LLC, and the DRAM controller, advanced leaf-to-root
// under one logical clock.
package system

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/mcsim/timing/cache"
	"github.com/sarchlab/mcsim/timing/dram"
)

// Config enumerates the whole hierarchy. Policies are spelled as strings
// so config files stay readable.
type Config struct {
	NumCores int `json:"num_cores"`

	BlockSize uint32 `json:"block_size"`
	L1ISets   uint32 `json:"l1_i_sets"`
	L1IWays   uint32 `json:"l1_i_ways"`
	L1DSets   uint32 `json:"l1_d_sets"`
	L1DWays   uint32 `json:"l1_d_ways"`

	LLCSets       uint32 `json:"llc_sets"`
	LLCWays       uint32 `json:"llc_ways"`
	LLCMSHRs      int    `json:"llc_mshrs"`
	LLCHitLatency uint64 `json:"llc_hit_latency"`

	// The two 5-cycle hops between the LLC and DRAM.
	L2ToDRAMDelay uint64 `json:"l2_to_dram_delay"`
	DRAMToL2Delay uint64 `json:"dram_to_l2_delay"`

	// ReplacementPolicy is one of lru, dip, drrip, eaf.
	ReplacementPolicy string `json:"replacement_policy"`
	// InclusionPolicy is one of inclusive, exclusive, nine.
	InclusionPolicy string `json:"inclusion_policy"`
	// DRAMPagePolicy is one of open, closed.
	DRAMPagePolicy string `json:"dram_page_policy"`

	DRAMBanks         uint32 `json:"dram_banks"`
	DRAMCmdBusCycles  uint64 `json:"dram_cmd_bus_cycles"`
	DRAMDataBusCycles uint64 `json:"dram_data_bus_cycles"`
	DRAMBankBusy      uint64 `json:"dram_bank_busy"`

	// Seed drives the bimodal-insertion PRNGs so runs are reproducible.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns a two-core system with the default geometry.
func DefaultConfig() Config {
	dramCfg := dram.DefaultConfig()
	return Config{
		NumCores: 2,

		BlockSize: cache.DefaultBlockSize,
		L1ISets:   cache.DefaultL1ISets,
		L1IWays:   cache.DefaultL1IWays,
		L1DSets:   cache.DefaultL1DSets,
		L1DWays:   cache.DefaultL1DWays,

		LLCSets:       cache.DefaultLLCSets,
		LLCWays:       cache.DefaultLLCWays,
		LLCMSHRs:      cache.DefaultLLCMSHRs,
		LLCHitLatency: cache.DefaultLLCHitLatency,

		L2ToDRAMDelay: cache.DefaultSendDelay,
		DRAMToL2Delay: cache.DefaultFillDelay,

		ReplacementPolicy: "lru",
		InclusionPolicy:   "inclusive",
		DRAMPagePolicy:    "open",

		DRAMBanks:         dramCfg.Banks,
		DRAMCmdBusCycles:  dramCfg.CmdBusCycles,
		DRAMDataBusCycles: dramCfg.DataBusCycles,
		DRAMBankBusy:      dramCfg.BankBusy,

		Seed: 1,
	}
}

// LoadConfig reads a Config from a JSON file, starting from defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the Config to a JSON file.
func (c Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks core count and that the policy spellings parse; the
// geometry is validated by the component constructors.
func (c Config) Validate() error {
	if c.NumCores <= 0 {
		return fmt.Errorf("num_cores must be positive, got %d", c.NumCores)
	}
	if _, err := cache.ParsePolicy(c.ReplacementPolicy); err != nil {
		return err
	}
	if _, err := cache.ParseInclusionPolicy(c.InclusionPolicy); err != nil {
		return err
	}
	if _, err := dram.ParsePagePolicy(c.DRAMPagePolicy); err != nil {
		return err
	}
	return nil
}
