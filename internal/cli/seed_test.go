package cli

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSeedData(t *testing.T) {
	data := generateSeedData(rand.New(rand.NewPCG(7, 7)), 20)

	require.Len(t, data["users"], 20)
	assert.GreaterOrEqual(t, len(data["orders"]), 20)
	assert.Len(t, data["payments"], len(data["orders"]))

	userIDs := make(map[interface{}]bool)
	for _, u := range data["users"] {
		assert.Contains(t, u["email"], "@example.com")
		userIDs[u["id"]] = true
	}
	for _, o := range data["orders"] {
		assert.True(t, userIDs[o["user_id"]], "order %v references unknown user", o["id"])
	}

	again := generateSeedData(rand.New(rand.NewPCG(7, 7)), 20)
	assert.Equal(t, data, again)
}

func TestSeedCommand(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "--format", "json", "seed", "development", "--rows", "5")
	require.NoError(t, err, out)

	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(5), resp.Data["users"])
	assert.Equal(t, resp.Data["orders"], resp.Data["payments"])
}

func TestSeedCommand_RefusesProduction(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t), "seed", "production")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
