package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/molmin/internal/molecule"
)

const waterJob = `{
	"molecule": {
		"atoms": [
			{"element": "O", "position": [0, 0, 0]},
			{"element": "H", "position": [1.05, 0, 0]},
			{"element": "H", "position": [-0.2, 0.9, 0]}
		],
		"bonds": [{"a": 0, "b": 1}, {"a": 0, "b": 2}]
	},
	"force_field": "uff",
	"steps": 200
}`

type decodedOutput struct {
	Result struct {
		Outcome       string  `json:"outcome"`
		ForceField    string  `json:"force_field"`
		Steps         int     `json:"steps"`
		InitialEnergy float64 `json:"initial_energy"`
		FinalEnergy   float64 `json:"final_energy"`
		Units         string  `json:"units"`
		Terms         *struct {
			Bond  float64 `json:"bond"`
			Angle float64 `json:"angle"`
			VdW   float64 `json:"vdw"`
		} `json:"terms"`
	} `json:"result"`
	Molecule *molecule.Molecule `json:"molecule"`
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, raw string) decodedOutput {
	t.Helper()
	var out decodedOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &out), raw)
	require.NotNil(t, out.Molecule)
	return out
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "minimize", cmd.Use)
	assert.True(t, cmd.SilenceUsage)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"run", "forcefields"}, names)
}

func TestRunCmd_Minimizes(t *testing.T) {
	raw, err := execute(t, waterJob, "run", "--input", "-", "--units", "kcal")
	require.NoError(t, err)

	out := decode(t, raw)
	assert.Contains(t, []string{"converged", "step_budget_exhausted"}, out.Result.Outcome)
	assert.Equal(t, "uff", out.Result.ForceField)
	assert.Equal(t, "kcal", out.Result.Units)
	assert.Positive(t, out.Result.Steps)
	assert.LessOrEqual(t, out.Result.FinalEnergy, out.Result.InitialEnergy)
	assert.Equal(t, 3, out.Molecule.Len())
	require.NotNil(t, out.Result.Terms)
	terms := out.Result.Terms
	assert.InDelta(t, out.Result.FinalEnergy, terms.Bond+terms.Angle+terms.VdW, 1e-6)
}

func TestRunCmd_EnergyOnly(t *testing.T) {
	job, err := molecule.Decode(strings.NewReader(`{
		"atoms": [
			{"element": "O", "position": [0, 0, 0]},
			{"element": "H", "position": [1.05, 0, 0]},
			{"element": "H", "position": [-0.2, 0.9, 0]}
		],
		"bonds": [{"a": 0, "b": 1}, {"a": 0, "b": 2}]
	}`))
	require.NoError(t, err)

	raw, err := execute(t, waterJob, "run", "-i", "-", "--energy-only", "--pretty")
	require.NoError(t, err)
	assert.Contains(t, raw, "\n  \"result\"")

	out := decode(t, raw)
	assert.Equal(t, "energy_only", out.Result.Outcome)
	assert.Equal(t, 0, out.Result.Steps)
	assert.Equal(t, out.Result.InitialEnergy, out.Result.FinalEnergy)
	assert.Equal(t, job.Positions(), out.Molecule.Positions())
}

func TestRunCmd_FileInputAndOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "job.json")
	output := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(input, []byte(waterJob), 0o600))

	raw, err := execute(t, "", "run", "--input", input, "--output", output, "--steps", "5")
	require.NoError(t, err)
	assert.Empty(t, raw)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	out := decode(t, string(written))
	assert.LessOrEqual(t, out.Result.Steps, 5)
	assert.Equal(t, "kJ", out.Result.Units)
}

func TestRunCmd_Errors(t *testing.T) {
	tests := []struct {
		name    string
		stdin   string
		args    []string
		wantErr string
	}{
		{
			name:    "missing input flag",
			args:    []string{"run"},
			wantErr: "required flag",
		},
		{
			name:    "missing file",
			args:    []string{"run", "--input", filepath.Join(t.TempDir(), "nope.json")},
			wantErr: "opening job",
		},
		{
			name:    "malformed job",
			stdin:   "{",
			args:    []string{"run", "--input", "-"},
			wantErr: "decode job",
		},
		{
			name:    "bad units",
			stdin:   waterJob,
			args:    []string{"run", "--input", "-", "--units", "hartree"},
			wantErr: "setting up job",
		},
		{
			name:    "unknown force field",
			stdin:   waterJob,
			args:    []string{"run", "--input", "-", "--ff", "amber"},
			wantErr: "setting up job",
		},
		{
			name:    "no molecule",
			stdin:   `{"steps": 10}`,
			args:    []string{"run", "--input", "-"},
			wantErr: "no molecule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.stdin, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestForceFieldsCmd(t *testing.T) {
	raw, err := execute(t, "", "forcefields")
	require.NoError(t, err)

	var out struct {
		ForceFields []string `json:"force_fields"`
		Default     string   `json:"default"`
		Fallback    string   `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	assert.ElementsMatch(t, []string{"mmff", "uff"}, out.ForceFields)
	assert.Equal(t, "mmff", out.Default)
	assert.Equal(t, "uff", out.Fallback)
}

func TestGetCLIContext_NotInitialized(t *testing.T) {
	cmd := newRunCmd()
	_, err := GetCLIContext(cmd)
	assert.Error(t, err)
}
