package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk layout of a rules file:
//
//	rules:
//	  - name: high_error_rate
//	    predicate: error_rate_above
//	    threshold: 0.1
//	    severity: error
//	    cooldown_seconds: 300
//	    message: "High error rate: {{percent .Value}}"
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes rules from YAML. Unknown fields are rejected.
func ParseRules(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var rf rulesFile
	if err := dec.Decode(&rf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return rf.Rules, nil
}

// LoadRules reads a rules file. A missing file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ValidateRules checks rules the way AddRule would, without registering
// them anywhere.
func ValidateRules(rules []Rule) error {
	scratch := NewEngine(New(WithBufferSize(1)), WithEngineLogger(discardLogger()))
	var errs []error
	for _, r := range rules {
		if err := scratch.AddRule(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddRules registers rules whose names are not yet known and returns the
// names added. Rules that are already present are skipped; invalid rules
// are reported in the joined error.
func (e *Engine) AddRules(rules []Rule) ([]string, error) {
	var (
		added []string
		errs  []error
	)
	for _, r := range rules {
		if e.HasRule(r.Name) {
			continue
		}
		if err := e.AddRule(r); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, r.Name)
	}
	return added, errors.Join(errs...)
}

// MarshalRules renders rules in the rules file layout.
func MarshalRules(rules []Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rulesFile{Rules: rules}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
