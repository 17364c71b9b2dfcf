// Package api embeds the OpenAPI document served at /openapi.yml and used for request validation.
package api

import _ "embed"

//go:embed openapi.yml
var Spec []byte
