package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lootline/internal/domain"
	"lootline/internal/strength"
)

// Config models lootline.yml.
type Config struct {
	Game struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		PageSize       int    `yaml:"page_size"`
	} `yaml:"game"`
	Chain struct {
		RPCURL         string `yaml:"rpc_url"`
		Contract       string `yaml:"contract"`
		Confirmations  int    `yaml:"confirmations"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"chain"`
	Looters  []LooterConfig `yaml:"looters"`
	Matching struct {
		AdvantageDiscount float64 `yaml:"advantage_discount"`
		NeutralDiscount   float64 `yaml:"neutral_discount"`
		MinBattlePoints   float64 `yaml:"min_battle_points"`
		CooldownSeconds   int     `yaml:"cooldown_seconds"`
		LootWindowSeconds int     `yaml:"loot_window_seconds"`
	} `yaml:"matching"`
	Intervals struct {
		PollSeconds     int `yaml:"poll_seconds"`
		RefreshSeconds  int `yaml:"refresh_seconds"`
		ExecutorSeconds int `yaml:"executor_seconds"`
	} `yaml:"intervals"`
	Server struct {
		OperatorKey string `yaml:"operator_key"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type LooterConfig struct {
	Address string  `yaml:"address"`
	Name    string  `yaml:"name"`
	Teams   []int64 `yaml:"teams"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ll config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lootline.yml")
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Game.TimeoutSeconds == 0 {
		c.Game.TimeoutSeconds = 10
	}
	if c.Game.PageSize == 0 {
		c.Game.PageSize = 20
	}
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 1
	}
	if c.Chain.TimeoutSeconds == 0 {
		c.Chain.TimeoutSeconds = 15
	}
	if c.Matching.AdvantageDiscount == 0 {
		c.Matching.AdvantageDiscount = strength.DefaultAdvantageDiscount
	}
	if c.Matching.NeutralDiscount == 0 {
		c.Matching.NeutralDiscount = strength.DefaultNeutralDiscount
	}
	if c.Matching.MinBattlePoints == 0 {
		c.Matching.MinBattlePoints = strength.DefaultMinBattlePoints
	}
	if c.Matching.CooldownSeconds == 0 {
		c.Matching.CooldownSeconds = 60
	}
	if c.Matching.LootWindowSeconds == 0 {
		c.Matching.LootWindowSeconds = 600
	}
	if c.Intervals.PollSeconds == 0 {
		c.Intervals.PollSeconds = 2
	}
	if c.Intervals.RefreshSeconds == 0 {
		c.Intervals.RefreshSeconds = 3
	}
	if c.Intervals.ExecutorSeconds == 0 {
		c.Intervals.ExecutorSeconds = 2
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Game.BaseURL) == "" {
		return fmt.Errorf("config.game.base_url is required")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("config.chain.rpc_url is required")
	}
	if strings.TrimSpace(c.Chain.Contract) == "" {
		return fmt.Errorf("config.chain.contract is required")
	}
	if len(c.Looters) == 0 {
		return fmt.Errorf("config.looters must list at least one looter")
	}
	seen := map[string]bool{}
	for i, l := range c.Looters {
		addr := strings.TrimSpace(l.Address)
		if addr == "" {
			return fmt.Errorf("config.looters[%d].address is required", i)
		}
		if !strings.HasPrefix(addr, "0x") {
			return fmt.Errorf("looter %s: address must be 0x-prefixed", addr)
		}
		if seen[addr] {
			return fmt.Errorf("looter %s listed twice", addr)
		}
		seen[addr] = true
		if len(l.Teams) == 0 {
			return fmt.Errorf("looter %s has no teams", addr)
		}
	}
	if c.Matching.AdvantageDiscount <= 0 || c.Matching.AdvantageDiscount > 1 {
		return fmt.Errorf("config.matching.advantage_discount must be in (0,1]")
	}
	if c.Matching.NeutralDiscount <= 0 || c.Matching.NeutralDiscount > 1 {
		return fmt.Errorf("config.matching.neutral_discount must be in (0,1]")
	}
	if c.Matching.LootWindowSeconds <= 0 {
		return fmt.Errorf("config.matching.loot_window_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// LootersDomain converts configured looters into domain records with empty
// team state; the roster fills the rest.
func (c *Config) LootersDomain() []domain.Looter {
	out := make([]domain.Looter, 0, len(c.Looters))
	for _, l := range c.Looters {
		looter := domain.Looter{Address: l.Address, Name: l.Name}
		for _, teamID := range l.Teams {
			looter.Teams = append(looter.Teams, domain.Team{
				ID:            teamID,
				LooterAddress: l.Address,
			})
		}
		out = append(out, looter)
	}
	return out
}

// Duration helpers.

func (c *Config) GameTimeout() time.Duration {
	return time.Duration(c.Game.TimeoutSeconds) * time.Second
}

func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Chain.TimeoutSeconds) * time.Second
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Matching.CooldownSeconds) * time.Second
}

func (c *Config) LootWindow() time.Duration {
	return time.Duration(c.Matching.LootWindowSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Intervals.PollSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Intervals.RefreshSeconds) * time.Second
}

func (c *Config) ExecutorInterval() time.Duration {
	return time.Duration(c.Intervals.ExecutorSeconds) * time.Second
}

// GenerateDefault returns starter config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `game:
  base_url: https://idle-game-api.example.com
  timeout_seconds: 10
  page_size: 20

chain:
  rpc_url: http://127.0.0.1:8545
  contract: "0x0000000000000000000000000000000000000000"
  confirmations: 1

looters:
  - address: "0x0000000000000000000000000000000000000001"
    name: looter-1
    teams: [1001]

matching:
  advantage_discount: 0.93
  neutral_discount: 0.97
  min_battle_points: 200
  cooldown_seconds: 60
  loot_window_seconds: 600

intervals:
  poll_seconds: 2
  refresh_seconds: 3
  executor_seconds: 2

server:
  operator_key: ""

webhooks: []
`
