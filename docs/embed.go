package docs

import _ "embed"

//go:embed dispatch-api.openapi.yaml
var embeddedDispatchOpenAPI []byte

//go:embed swagger.html
var embeddedDispatchSwaggerHTML []byte

// DispatchOpenAPI содержит OpenAPI-спецификацию диспетчера рассылок.
var DispatchOpenAPI = embeddedDispatchOpenAPI

// DispatchSwaggerHTML содержит HTML-страницу с Swagger UI.
var DispatchSwaggerHTML = embeddedDispatchSwaggerHTML
