// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseInterface decodes and validates one interface definition from
// YAML. The definition format mirrors the Interface type:
//
//	name: com.example.Player
//	methods:
//	  - name: Play
//	  - name: Seek
//	    in: i
//	    out: i
//	signals:
//	  - name: TrackChanged
//	    signature: s
//	properties:
//	  - name: Volume
//	    signature: d
//	    readable: true
//	    writable: true
func ParseInterface(data []byte) (*Interface, error) {
	var in Interface
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("schema: decoding interface definition: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// LoadInterface reads and validates an interface definition file.
func LoadInterface(path string) (*Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading interface definition: %w", err)
	}
	in, err := ParseInterface(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}
