package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// decodeCUE unifies a CUE companion file with the #Config schema and
// decodes the concrete result over cfg.
func decodeCUE(filename string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()

	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to parse %s: %s", filename, cueDetails(err))
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s does not match the config schema: %s", filename, cueDetails(err))
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %s", filename, cueDetails(err))
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

func cueDetails(err error) string {
	return strings.TrimSpace(errors.Details(err, nil))
}
