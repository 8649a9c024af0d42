package panel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/entity"
)

const validSpec = `
panel:
  name: county_cases
  measures:
    - name: own_cases
      path: out/own_cases.csv
    - name: sci_cases
      path: out/sci_cases.csv
    - name: phys_cases
      path: out/phys_cases.csv
      value: aggregate
  dependent: own_cases
  predictors: [sci_cases, phys_cases]
  lags: [1]
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(validSpec))
	require.NoError(t, err)

	assert.Equal(t, "county_cases", spec.Name)
	assert.Equal(t, entity.KindCounty, spec.Entity)
	require.Len(t, spec.Measures, 3)
	assert.Equal(t, ValuePer10k, spec.Measures[0].Value)
	assert.Equal(t, ValueAggregate, spec.Measures[2].Value)
	assert.Equal(t, []string{
		"home_id", "time_step", "own_cases", "sci_cases", "phys_cases",
		"sci_cases_lag1", "phys_cases_lag1",
	}, spec.Columns())

	m, ok := spec.Measure("phys_cases")
	require.True(t, ok)
	assert.Equal(t, "out/phys_cases.csv", m.Path)
}

func TestParseSpec_UnknownField(t *testing.T) {
	_, err := ParseSpec([]byte(`
panel:
  name: x
  formula: "own_cases ~ sci_cases"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel: parse spec")
}

func TestParseSpec_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "empty predictors",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n  dependent: a\n  predictors: []\n",
			want: "predictors must not be empty",
		},
		{
			name: "unknown predictor",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n  dependent: a\n  predictors: [b]\n",
			want: `predictor "b" is not a declared measure`,
		},
		{
			name: "unknown dependent",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n  dependent: z\n  predictors: [a]\n",
			want: `dependent "z" is not a declared measure`,
		},
		{
			name: "duplicate measure",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n    - {name: a, path: b.csv}\n    - {name: b, path: b.csv}\n  dependent: a\n  predictors: [b]\n",
			want: `measure "a" declared twice`,
		},
		{
			name: "duplicate column",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n    - {name: b, path: b.csv}\n  dependent: a\n  predictors: [b, b]\n",
			want: `duplicate column "b"`,
		},
		{
			name: "reserved column",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: home_id, path: a.csv}\n    - {name: b, path: b.csv}\n  dependent: home_id\n  predictors: [b]\n",
			want: `duplicate column "home_id"`,
		},
		{
			name: "bad value and lag",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n    - {name: b, path: b.csv, value: log}\n  dependent: a\n  predictors: [b]\n  lags: [0]\n",
			want: `unknown value "log"`,
		},
		{
			name: "bad entity and name",
			yaml: "panel:\n  entity: zip\n  measures:\n    - {name: A-1, path: a.csv}\n    - {name: b}\n  dependent: b\n  predictors: [A-1]\n",
			want: `name is required; unknown entity kind "zip"`,
		},
		{
			name: "predictor is dependent",
			yaml: "panel:\n  name: p\n  measures:\n    - {name: a, path: a.csv}\n  dependent: a\n  predictors: [a]\n",
			want: `predictor "a" is also the dependent`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validSpec), 0o644))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "own_cases", spec.Dependent)

	_, err = LoadSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
