// Package config loads and validates the sidecar configuration.
//
// The configuration is a single YAML document. ${VAR} and ${VAR:-default}
// references are expanded from the environment before parsing, "$$" yields a
// literal dollar sign, and unknown keys are rejected. Defaults are applied
// after parsing, and Validate reports every violation at once as
// ValidationErrors:
//
//	cfg, err := config.LoadConfig("examples/proxy.yaml")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        // one entry per invalid field
//	    }
//	    return err
//	}
//
// Durations are written as Go duration strings ("5s", "1m30s").
package config
