package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `game:
  base_url: https://game.example.com
chain:
  rpc_url: http://127.0.0.1:8545
  contract: "0x00000000000000000000000000000000000000aa"
looters:
  - address: "0x0000000000000000000000000000000000000001"
    teams: [1001, 1002]
`

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(minimalYAML))
	require.NoError(t, err)

	require.Equal(t, 0.93, cfg.Matching.AdvantageDiscount)
	require.Equal(t, 0.97, cfg.Matching.NeutralDiscount)
	require.Equal(t, 200.0, cfg.Matching.MinBattlePoints)
	require.Equal(t, time.Minute, cfg.Cooldown())
	require.Equal(t, 10*time.Minute, cfg.LootWindow())
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, 3*time.Second, cfg.RefreshInterval())
	require.Equal(t, 1, cfg.Chain.Confirmations)
	require.Equal(t, 20, cfg.Game.PageSize)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing game url",
			yaml: `chain: {rpc_url: "http://x", contract: "0xaa"}
looters: [{address: "0x01", teams: [1]}]`,
			want: "game.base_url",
		},
		{
			name: "no looters",
			yaml: `game: {base_url: "http://g"}
chain: {rpc_url: "http://x", contract: "0xaa"}`,
			want: "looters",
		},
		{
			name: "address without prefix",
			yaml: `game: {base_url: "http://g"}
chain: {rpc_url: "http://x", contract: "0xaa"}
looters: [{address: "abc", teams: [1]}]`,
			want: "0x-prefixed",
		},
		{
			name: "duplicate looter",
			yaml: `game: {base_url: "http://g"}
chain: {rpc_url: "http://x", contract: "0xaa"}
looters:
  - {address: "0x01", teams: [1]}
  - {address: "0x01", teams: [2]}`,
			want: "twice",
		},
		{
			name: "looter without teams",
			yaml: `game: {base_url: "http://g"}
chain: {rpc_url: "http://x", contract: "0xaa"}
looters: [{address: "0x01"}]`,
			want: "no teams",
		},
		{
			name: "webhook without url",
			yaml: `game: {base_url: "http://g"}
chain: {rpc_url: "http://x", contract: "0xaa"}
looters: [{address: "0x01", teams: [1]}]
webhooks: [{events: ["commitment.executed"]}]`,
			want: "webhooks[0].url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Len(t, cfg.Looters, 1)
}

func TestLootersDomain(t *testing.T) {
	cfg, err := FromYAML([]byte(minimalYAML))
	require.NoError(t, err)

	looters := cfg.LootersDomain()
	require.Len(t, looters, 1)
	require.Len(t, looters[0].Teams, 2)
	require.Equal(t, looters[0].Address, looters[0].Teams[0].LooterAddress)
	require.Equal(t, int64(1001), looters[0].Teams[0].ID)
}
