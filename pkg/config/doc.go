// Package config loads the hostprep companion configuration.
//
// # Overview
//
// A config file declares the repository to deploy, the packages it needs,
// the secrets template and the systemd unit. Files are decoded over the
// compiled-in Defaults, so a file only names what it changes.
//
// # Formats
//
//   - CUE (.cue): unified with the embedded #Config schema before decoding,
//     so type and enum errors carry file positions
//   - YAML (.yaml, .yml): unknown keys are rejected
//   - TOML (.toml): unknown keys are rejected
//
// Durations accept "90s" strings or integer seconds; sizes accept "2GiB",
// "512 MB" or integer bytes.
//
// # Customization scripts
//
// The optional script field names a Starlark file. It runs with two frozen
// globals, facts (hostname, os_id, os_version, arch, cpus) and config (the
// decoded configuration), and may set:
//
//	extra_system_packages = ["libnss3"] if facts["os_id"] == "debian" else []
//	extra_secrets = [{"key": "SENTRY_DSN", "value": "", "placeholder": True}]
//	service_environment = {"WORKERS": str(facts["cpus"])}
//
// # Usage Example
//
//	path, err := config.Find(flagPath)
//	if err != nil {
//	    return err
//	}
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	if err := config.Validate(cfg); err != nil {
//	    return err
//	}
package config
