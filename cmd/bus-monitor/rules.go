// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mmeeks/gdbus-standalone-sub002/messaging"
)

// rulesDocument is the YAML shape of a --rules-file.
type rulesDocument struct {
	Rules []ruleFlags `yaml:"rules"`
}

func loadRulesFile(path string) ([]messaging.MatchRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var document rulesDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	if len(document.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	rules := make([]messaging.MatchRule, 0, len(document.Rules))
	for i, entry := range document.Rules {
		rule, err := entry.rule()
		if err != nil {
			return nil, fmt.Errorf("rules file %s, rule %d: %w", path, i+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
