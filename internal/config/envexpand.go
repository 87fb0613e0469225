package config

import "os"

// expandEnv expands ${VAR} / $VAR references in raw YAML bytes before
// parsing, the same way the teacher's pkg/config/envexpand.go does.
// Missing variables expand to the empty string; validation (not this
// function) is responsible for catching required fields left empty.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}
