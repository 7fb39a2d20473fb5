// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI validates job definitions
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobDefinitionSchema is the embedded job-definition JSON schema.
//
//go:embed job-definition.schema.json
var JobDefinitionSchema []byte
