// Package main is the entry point for tokengate.
//
//	@title						tokengate
//	@version					1.0
//	@description				API key authentication and token metering for subscription APIs.
//
//	@BasePath					/
//
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							header
//	@name						X-API-Key
//	@description				API key for authentication
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication (format: "Bearer {api_key}")
package main

func main() {
	Execute()
}
