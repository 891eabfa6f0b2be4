package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a declarative replay request, loadable from YAML:
//
//	start_call_id: 3
//	session_name: retry with fix
//	ignore_globals: [cache]
//	mock_functions: [fetch_rate]
//	record: true
type Plan struct {
	StartCallID   int64    `yaml:"start_call_id"`
	SessionName   string   `yaml:"session_name"`
	IgnoreGlobals []string `yaml:"ignore_globals"`
	MockFunctions []string `yaml:"mock_functions"`
	Record        bool     `yaml:"record"`
}

// LoadPlan reads and validates a replay plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("load replay plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan parses a replay plan from YAML bytes.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse replay plan: %w", err)
	}
	if p.StartCallID <= 0 {
		return Plan{}, fmt.Errorf("parse replay plan: start_call_id must be a positive call ID")
	}
	return p, nil
}

// Options converts the plan into engine options.
func (p Plan) Options() Options {
	return Options{
		IgnoreGlobals:   p.IgnoreGlobals,
		MockFunctions:   p.MockFunctions,
		EnableRecording: p.Record,
		SessionName:     p.SessionName,
	}
}
