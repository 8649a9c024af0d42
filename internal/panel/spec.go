// Package panel joins several aggregate tables into one wide regression
// panel described by a typed YAML specification.
package panel

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sci-proximity/internal/entity"
)

// Value selects which aggregate column a measure contributes.
type Value string

// Measure value columns.
const (
	ValueAggregate Value = "aggregate"
	ValuePer10k    Value = "per_10k"
)

// Spec is the top-level panel specification.
type Spec struct {
	Name   string      `yaml:"name"`
	Entity entity.Kind `yaml:"entity"`
	// Measures lists every aggregate table that can enter the panel.
	Measures []Measure `yaml:"measures"`
	// Dependent names the measure used as the outcome column.
	Dependent string `yaml:"dependent"`
	// Predictors names the measures used as explanatory columns.
	Predictors []string `yaml:"predictors"`
	// Lags adds lagged copies of every predictor, in steps.
	Lags []int `yaml:"lags"`
}

// Measure is one aggregate table.
type Measure struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	Value Value  `yaml:"value"` // default per_10k
}

var columnName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// LoadSpec reads a specification file. Unknown keys are rejected and the
// result is validated.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "panel: read spec %s", path)
	}
	return ParseSpec(data)
}

// ParseSpec decodes and validates a specification. The document has a
// top-level "panel" key.
func ParseSpec(data []byte) (*Spec, error) {
	var wrapper struct {
		Panel Spec `yaml:"panel"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wrapper); err != nil {
		return nil, eris.Wrap(err, "panel: parse spec")
	}

	spec := &wrapper.Panel
	for i := range spec.Measures {
		if spec.Measures[i].Value == "" {
			spec.Measures[i].Value = ValuePer10k
		}
	}
	if spec.Entity == "" {
		spec.Entity = entity.KindCounty
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks names, references and the resulting column set.
func (s *Spec) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Name == "" {
		add("name is required")
	}
	switch s.Entity {
	case entity.KindCounty, entity.KindNUTS3, entity.KindCountry:
	default:
		add("unknown entity kind %q", s.Entity)
	}

	known := make(map[string]Measure, len(s.Measures))
	for _, m := range s.Measures {
		switch {
		case !columnName.MatchString(m.Name):
			add("measure name %q must match %s", m.Name, columnName)
		case known[m.Name].Name != "":
			add("measure %q declared twice", m.Name)
		}
		if m.Path == "" {
			add("measure %q has no path", m.Name)
		}
		if m.Value != ValueAggregate && m.Value != ValuePer10k {
			add("measure %q has unknown value %q", m.Name, m.Value)
		}
		known[m.Name] = m
	}

	if s.Dependent == "" {
		add("dependent is required")
	} else if _, ok := known[s.Dependent]; !ok {
		add("dependent %q is not a declared measure", s.Dependent)
	}

	if len(s.Predictors) == 0 {
		add("predictors must not be empty")
	}
	for _, p := range s.Predictors {
		if _, ok := known[p]; !ok {
			add("predictor %q is not a declared measure", p)
		}
		if p == s.Dependent {
			add("predictor %q is also the dependent", p)
		}
	}

	for _, l := range s.Lags {
		if l <= 0 {
			add("lag %d must be positive", l)
		}
	}

	seen := map[string]bool{}
	for _, c := range s.Columns() {
		if seen[c] {
			add("duplicate column %q", c)
		}
		seen[c] = true
	}

	if len(problems) > 0 {
		return eris.Errorf("panel: invalid spec: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Columns returns the output header: keys, dependent, predictors, then the
// lagged predictors.
func (s *Spec) Columns() []string {
	cols := []string{"home_id", "time_step", s.Dependent}
	cols = append(cols, s.Predictors...)
	for _, l := range s.Lags {
		for _, p := range s.Predictors {
			cols = append(cols, lagColumn(p, l))
		}
	}
	return cols
}

// Measure returns the declared measure called name.
func (s *Spec) Measure(name string) (Measure, bool) {
	for _, m := range s.Measures {
		if m.Name == name {
			return m, true
		}
	}
	return Measure{}, false
}

func lagColumn(name string, lag int) string {
	return fmt.Sprintf("%s_lag%d", name, lag)
}
