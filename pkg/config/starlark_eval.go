package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/service"
)

// DefaultScriptTimeout bounds a customization script run.
const DefaultScriptTimeout = 10 * time.Second

// Facts describe the target host for customization scripts.
type Facts struct {
	Hostname  string
	OSID      string
	OSVersion string
	Arch      string
	CPUs      int
}

func (f Facts) toMap() map[string]interface{} {
	return map[string]interface{}{
		"hostname":   f.Hostname,
		"os_id":      f.OSID,
		"os_version": f.OSVersion,
		"arch":       f.Arch,
		"cpus":       f.CPUs,
	}
}

// ScriptResult holds the globals a script left behind.
type ScriptResult struct {
	Output        map[string]interface{}
	ExecutionTime time.Duration
}

// Customization is what a script may change on the loaded config.
type Customization struct {
	ExtraSystemPackages []string
	ExtraSecrets        []envfile.Entry
	ServiceEnvironment  map[string]string
}

// ScriptEvaluator executes Starlark customization scripts.
type ScriptEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScriptEvaluator creates an evaluator. print() output goes to logger at
// debug level.
func NewScriptEvaluator(timeout time.Duration, logger zerolog.Logger) *ScriptEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptEvaluator{timeout: timeout, logger: logger}
}

// Evaluate runs src with input predeclared and returns its public globals.
func (se *ScriptEvaluator) Evaluate(ctx context.Context, filename, src string, input map[string]interface{}) (*ScriptResult, error) {
	start := time.Now()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", filename).Msg(msg)
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		sv.Freeze()
		predeclared[key] = sv
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, filename, src, predeclared)
		done <- outcome{globals, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		return nil, fmt.Errorf("script %s: execution stopped after %v: %w", filename, time.Since(start).Round(time.Millisecond), evalCtx.Err())
	}
	if res.err != nil {
		if evalErr, ok := res.err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("script %s failed: %s", filename, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("script %s failed: %w", filename, res.err)
	}

	output := make(map[string]interface{})
	for name, val := range res.globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &ScriptResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// ScriptPath resolves cfg.Script relative to the config file directory.
func (c *Config) ScriptPath() string {
	if c.Script == "" || filepath.IsAbs(c.Script) || c.Source == "" {
		return c.Script
	}
	return filepath.Join(filepath.Dir(c.Source), c.Script)
}

// Customize runs a customization script against cfg and facts. The script
// sees `facts` and `config` and may set extra_system_packages,
// extra_secrets and service_environment.
func (se *ScriptEvaluator) Customize(ctx context.Context, filename, src string, cfg *Config, facts Facts) (*Customization, error) {
	cfgMap, err := configMap(cfg)
	if err != nil {
		return nil, err
	}

	res, err := se.Evaluate(ctx, filename, src, map[string]interface{}{
		"facts":  facts.toMap(),
		"config": cfgMap,
	})
	if err != nil {
		return nil, err
	}
	return customizationFrom(filename, res.Output)
}

func customizationFrom(filename string, out map[string]interface{}) (*Customization, error) {
	c := &Customization{}

	if v, ok := out["extra_system_packages"]; ok {
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("script %s: extra_system_packages must be a list of strings", filename)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("script %s: extra_system_packages must be a list of strings", filename)
			}
			c.ExtraSystemPackages = append(c.ExtraSystemPackages, s)
		}
	}

	if v, ok := out["extra_secrets"]; ok {
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("script %s: extra_secrets must be a list of dicts", filename)
		}
		for i, item := range list {
			d, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("script %s: extra_secrets[%d] must be a dict", filename, i)
			}
			var e envfile.Entry
			e.Key, _ = d["key"].(string)
			e.Value, _ = d["value"].(string)
			e.Comment, _ = d["comment"].(string)
			e.Placeholder, _ = d["placeholder"].(bool)
			if e.Key == "" {
				return nil, fmt.Errorf("script %s: extra_secrets[%d] has no key", filename, i)
			}
			c.ExtraSecrets = append(c.ExtraSecrets, e)
		}
	}

	if v, ok := out["service_environment"]; ok {
		d, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("script %s: service_environment must be a dict", filename)
		}
		c.ServiceEnvironment = make(map[string]string, len(d))
		for k, val := range d {
			c.ServiceEnvironment[k] = fmt.Sprint(val)
		}
	}

	return c, nil
}

// Apply merges the customization into cfg. Existing packages and secret
// keys are kept; environment values replace same-named variables.
func (c *Customization) Apply(cfg *Config) {
	have := make(map[string]bool)
	for _, p := range cfg.Packages.System {
		have[p] = true
	}
	for _, p := range c.ExtraSystemPackages {
		if !have[p] {
			cfg.Packages.System = append(cfg.Packages.System, p)
			have[p] = true
		}
	}

	keys := make(map[string]bool)
	for _, e := range cfg.Secrets.Defaults {
		keys[e.Key] = true
	}
	for _, e := range c.ExtraSecrets {
		if !keys[e.Key] {
			cfg.Secrets.Defaults = append(cfg.Secrets.Defaults, e)
			keys[e.Key] = true
		}
	}

	names := make([]string, 0, len(c.ServiceEnvironment))
	for k := range c.ServiceEnvironment {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		value := c.ServiceEnvironment[name]
		replaced := false
		for i := range cfg.Service.Environment {
			if cfg.Service.Environment[i].Name == name {
				cfg.Service.Environment[i].Value = value
				replaced = true
			}
		}
		if !replaced {
			cfg.Service.Environment = append(cfg.Service.Environment, service.EnvVar{Name: name, Value: value})
		}
	}
}

func configMap(cfg *Config) (map[string]interface{}, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config for script: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to encode config for script: %w", err)
	}
	return m, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
