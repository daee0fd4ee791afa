// Package oapi embeds the OpenAPI documents served and enforced by the gateway.
package oapi

import _ "embed"

//go:embed openapi-admin.yaml
var AdminSpec []byte
