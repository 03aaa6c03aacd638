// Package docs registers the qshield OpenAPI document with swag so the
// swagger UI handler can serve it.
package docs

import (
	_ "embed"

	"github.com/swaggo/swag"
)

//go:embed swagger.json
var template string

// SwaggerInfo holds the exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "dev",
	BasePath:         "/api",
	Schemes:          []string{},
	Title:            "qshield API",
	Description:      "Quantum key distribution demo: session actions, queries and event streams.",
	InfoInstanceName: swag.Name,
	SwaggerTemplate:  template,
}

func init() {
	swag.Register(SwaggerInfo.InfoInstanceName, SwaggerInfo)
}
