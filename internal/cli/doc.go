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

/*
Package cli provides the root command for the mstream-mcp CLI.

This package creates the main Cobra command and handles global concerns like
version information, persistent flags, and exit codes. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	mstream-mcp
	├── serve      Start the MCP server (stdio or http)
	├── tools      List the MCP tools
	├── token set  Store the API token in the system keychain
	└── version    Show version

# Global Flags

	--json      Output in JSON format
	--config    Path to config file
*/
package cli
