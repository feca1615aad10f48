package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"gopkg.in/yaml.v3"
)

func writeOutput(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (json or yaml)", format)
	}
}

// goalFlags are the goal hints shared by plan and run.
type goalFlags struct {
	propertyID string
	filter     []string
	confirm    bool
}

func (f *goalFlags) goal(text string) (planner.Goal, error) {
	filter, err := parseFilter(f.filter)
	if err != nil {
		return planner.Goal{}, err
	}
	return planner.Goal{
		Text:               text,
		Hints:              planner.ContextHints{PropertyID: f.propertyID, Filter: filter},
		ConfirmDestructive: f.confirm,
	}, nil
}

// parseFilter turns key=value pairs into a filter map. Integers and booleans keep their type.
func parseFilter(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("filter %q must be key=value", pair)
		}
		v = strings.TrimSpace(v)
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}
