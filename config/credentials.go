// Copyright 2025 OpsRelay
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"opsrelay/sources/base"
)

// credentialEntry is one named connection in the credentials file
type credentialEntry struct {
	Type     string                 `yaml:"type"`
	URL      string                 `yaml:"url"`
	Token    string                 `yaml:"token"`
	Username string                 `yaml:"username"`
	Password string                 `yaml:"password"`
	Default  bool                   `yaml:"default"`
	Limit    int                    `yaml:"limit"`
	Options  map[string]interface{} `yaml:"options"`
}

type credentialsFile struct {
	Sources map[string]credentialEntry `yaml:"sources"`
}

// SourceConfig is the resolved configuration for one source type
type SourceConfig struct {
	Credentials []*base.Credential
	DefaultCred string
	Limit       int
}

// LoadCredentials reads and groups the credentials file by source type.
// An entry's token, username and password may reference environment
// variables with a $NAME value.
func LoadCredentials(path string) (map[string]*SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	grouped := make(map[string]*SourceConfig)
	for name, entry := range file.Sources {
		if entry.Type == "" {
			return nil, fmt.Errorf("credential %q is missing a type", name)
		}

		sc, ok := grouped[entry.Type]
		if !ok {
			sc = &SourceConfig{}
			grouped[entry.Type] = sc
		}

		sc.Credentials = append(sc.Credentials, &base.Credential{
			Name:     name,
			Type:     entry.Type,
			URL:      entry.URL,
			Token:    expandEnv(entry.Token),
			Username: expandEnv(entry.Username),
			Password: expandEnv(entry.Password),
			Options:  entry.Options,
		})
		if entry.Default {
			sc.DefaultCred = name
		}
		if entry.Limit > sc.Limit {
			sc.Limit = entry.Limit
		}
	}

	return grouped, nil
}

// expandEnv resolves $NAME references so secrets stay out of the file
func expandEnv(value string) string {
	if len(value) > 1 && value[0] == '$' {
		if resolved := os.Getenv(value[1:]); resolved != "" {
			return resolved
		}
	}
	return value
}
