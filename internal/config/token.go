// Copyright 2025 Tom Barlow
//
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
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the service name used for keychain entries.
	KeychainService = "mstream-mcp"

	// keychainPrefix marks a token that names a keychain entry.
	keychainPrefix = "keychain:"
)

// ErrTokenNotFound is returned when a keychain token reference has no entry.
var ErrTokenNotFound = errors.New("config: token not found in keychain")

// ResolveToken returns the bearer token to send upstream. Plain values are
// returned unchanged; "keychain:<name>" reads <name> from the system keychain
// under the mstream-mcp service.
func ResolveToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, keychainPrefix) {
		return token, nil
	}

	name := strings.TrimSpace(strings.TrimPrefix(token, keychainPrefix))
	if name == "" {
		return "", fmt.Errorf("%w: keychain reference needs a name, e.g. keychain:mstream-api", ErrInvalidConfig)
	}

	value, err := keyring.Get(KeychainService, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTokenNotFound, name)
		}
		return "", fmt.Errorf("keychain error: %w", err)
	}
	return value, nil
}

// StoreToken saves a token in the system keychain under name.
func StoreToken(name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: keychain entry name is required", ErrInvalidConfig)
	}
	if err := keyring.Set(KeychainService, name, value); err != nil {
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}
