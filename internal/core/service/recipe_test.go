package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecipeCSV(t *testing.T) {
	require := require.New(t)

	src := "Step_Type, timeout_seconds, capacity_limit\n" +
		"CC Charge,5,1.0\n" +
		"rest,2.5,\n" +
		"CC Discharge,3600,\n"
	recipe, err := LoadRecipeCSV(strings.NewReader(src))
	require.NoError(err)
	require.Equal(domain.Recipe{
		{Type: domain.STEP_CC_CHARGE, Timeout: 5 * time.Second, CapacityLimit: 1.0},
		{Type: domain.STEP_REST, Timeout: 2500 * time.Millisecond},
		{Type: domain.STEP_CC_DISCHARGE, Timeout: time.Hour},
	}, recipe)
}

func TestLoadRecipeCSVColumnOrder(t *testing.T) {
	recipe, err := LoadRecipeCSV(strings.NewReader("timeout_seconds,step_type\n10,CC_CHARGE\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.STEP_CC_CHARGE, recipe[0].Type)
	assert.Zero(t, recipe[0].CapacityLimit)
}

func TestLoadRecipeCSVErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"no steps":       "step_type,timeout_seconds\n",
		"missing column": "step_type\nRest\n",
		"bad type":       "step_type,timeout_seconds\nCV Charge,5\n",
		"bad timeout":    "step_type,timeout_seconds\nRest,soon\n",
		"zero timeout":   "step_type,timeout_seconds\nRest,0\n",
		"negative limit": "step_type,timeout_seconds,capacity_limit\nCC Charge,5,-1\n",
	}
	for name, src := range cases {
		_, err := LoadRecipeCSV(strings.NewReader(src))
		assert.ErrorIs(t, err, ErrInvalidRecipe, name)
	}
}

func TestLoadRecipeYAMLFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "recipe.yaml")
	src := `
- step_type: CC Charge
  timeout_seconds: 5
  capacity_limit: 1.0
- step_type: Rest
  timeout_seconds: 3
`
	require.NoError(os.WriteFile(path, []byte(src), 0o644))

	recipe, err := LoadRecipeFile(path)
	require.NoError(err)
	require.Len(recipe, 2)
	require.Equal(domain.STEP_REST, recipe[1].Type)
	require.Equal(3*time.Second, recipe[1].Timeout)

	_, err = LoadRecipeFile(filepath.Join(t.TempDir(), "recipe.json"))
	require.Error(err)
}

func TestParseStepType(t *testing.T) {
	for in, want := range map[string]domain.StepType{
		"CC Charge":     domain.STEP_CC_CHARGE,
		"cc  discharge": domain.STEP_CC_DISCHARGE,
		" Rest ":        domain.STEP_REST,
		"CC_DISCHARGE":  domain.STEP_CC_DISCHARGE,
	} {
		got, err := ParseStepType(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
