package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, ModeStandard, cfg.Orchestrator.Mode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TARGET_POPULATION", "42")
	t.Setenv("INITIAL_TEMPERATURE", "2.5")
	t.Setenv("DL1_URL", "http://n1:9400,http://n2:9400")
	t.Setenv("ORCHESTRATOR_MODE", ModeHighThroughput)
	t.Setenv("FIBER_WEIGHTS", "Contract=0.5,Market:prediction=0.3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Population.TargetPopulation)
	assert.Equal(t, 2.5, cfg.Orchestrator.InitialTemperature)
	assert.Equal(t, []string{"http://n1:9400", "http://n2:9400"}, cfg.Endpoints.DataURLs)
	assert.Equal(t, ModeHighThroughput, cfg.Orchestrator.Mode)
	assert.Equal(t, 0.3, cfg.Orchestrator.FiberWeights["Market:prediction"])
}

func TestYAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fibernet.yaml")
	yaml := `
orchestrator:
  mode: weighted
  activity_rate: 0.6
population:
  target_population: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("FIBERNET_CONFIG", path)
	t.Setenv("TARGET_POPULATION", "99")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeWeighted, cfg.Orchestrator.Mode, "yaml overrides default")
	assert.Equal(t, 0.6, cfg.Orchestrator.ActivityRate)
	assert.Equal(t, 99, cfg.Population.TargetPopulation, "env overrides yaml")
}

func TestBadEnvRejected(t *testing.T) {
	t.Setenv("TARGET_POPULATION", "lots")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TARGET_POPULATION", "5")
	t.Setenv("ORCHESTRATOR_MODE", "chaotic")
	_, err = Load()
	require.Error(t, err)
}

func TestParseFiberWeights(t *testing.T) {
	w, err := parseFiberWeights("Contract=1, Market:auction=0.25")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w["Contract"])
	assert.Equal(t, 0.25, w["Market:auction"])

	_, err = parseFiberWeights("Contract")
	require.Error(t, err)
	_, err = parseFiberWeights("Contract=-1")
	require.Error(t, err)
}
