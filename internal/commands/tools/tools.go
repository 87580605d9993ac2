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

package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/mstream-mcp/internal/commands/mcpserver"
	"github.com/tombee/mstream-mcp/internal/commands/shared"
	"github.com/tombee/mstream-mcp/internal/config"
	"github.com/tombee/mstream-mcp/internal/log"
)

// ToolInfo describes one MCP tool
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Arguments   []string               `json:"arguments"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// NewCommand creates the tools command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the MCP tools the server provides",
		Long: `List the tools exposed by 'mstream-mcp serve' with their arguments.

Use --json for the full input schemas, as sent to MCP clients.`,
		Args: cobra.NoArgs,
		RunE: runTools,
	}

	return cmd
}

// List returns the tool descriptions, sorted by name. Tool definitions do not
// depend on configuration, so defaults are used.
func List() ([]ToolInfo, error) {
	srv, _, err := mcpserver.Build(config.Default(), log.Discard(), noop.NewTracerProvider())
	if err != nil {
		return nil, err
	}

	var infos []ToolInfo
	for _, tool := range srv.Tools() {
		args := make([]string, 0, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			args = append(args, name)
		}
		sort.Strings(args)

		infos = append(infos, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			Arguments:   args,
			InputSchema: map[string]interface{}{
				"type":       tool.InputSchema.Type,
				"properties": tool.InputSchema.Properties,
				"required":   tool.InputSchema.Required,
			},
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func runTools(cmd *cobra.Command, args []string) error {
	infos, err := List()
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tools: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tARGUMENTS\tDESCRIPTION")
	for _, info := range infos {
		arguments := strings.Join(info.Arguments, ", ")
		if arguments == "" {
			arguments = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, arguments, firstSentence(info.Description))
	}
	return w.Flush()
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
