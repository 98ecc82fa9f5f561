// Package docs registra el documento OpenAPI de la API local en swag.
// swagger.json se regenera con `swag init -g cmd/syncd/main.go -o internal/docs`.
package docs

import (
	_ "embed"

	"github.com/swaggo/swag"
)

//go:embed swagger.json
var docTemplate string

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "pet-health-sync local API",
	Description:      "API local del daemon offline-first: registros optimistas, cola de sync y eventos.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
