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

// Package token implements the token command, which stores the mstream API
// token in the system keychain.
package token

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/mstream-mcp/internal/commands/shared"
	"github.com/tombee/mstream-mcp/internal/config"
	"github.com/tombee/mstream-mcp/internal/log"
)

// NewCommand creates the token command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the mstream API token",
		Long: `Manage the mstream API token kept in the system keychain.

A token stored with 'token set <name>' is used by setting the API token to
keychain:<name> in the config file, MSTREAM_API_TOKEN or --api-token.`,
	}

	cmd.AddCommand(newSetCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store an API token in the system keychain",
		Long: `Store an API token in the system keychain under <name>.

The token value can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: echo "token" | mstream-mcp token set <name>

Examples:
  mstream-mcp token set prod
  MSTREAM_API_TOKEN=keychain:prod mstream-mcp serve`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])

	value, err := readToken(cmd)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if value == "" {
		return shared.NewConfigError("token value cannot be empty", config.ErrInvalidConfig)
	}

	if err := config.StoreToken(name, value); err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			return shared.NewConfigError("invalid token name", err)
		}
		return fmt.Errorf("failed to store token: %w", err)
	}

	cmd.Printf("Token %s stored in keychain as %q\n", log.SanitizeAPIKey(value), name)
	cmd.Printf("Use it with: MSTREAM_API_TOKEN=keychain:%s\n", name)
	return nil
}

// readToken reads the token from a terminal with hidden input, or from
// whatever is piped into the command.
func readToken(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter API token (hidden): ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
