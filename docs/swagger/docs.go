// Package swagger registers the OpenAPI 2.0 document with swag. The template
// mirrors the swag annotations on the handlers in adapters/http and is edited
// together with them.
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/create-portal-session": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Billing"],
                "summary": "Create billing portal session",
                "responses": {
                    "200": {"description": "Portal URL", "schema": {"type": "object", "additionalProperties": true}},
                    "401": {"description": "API key required", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/dashboard": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Account"],
                "summary": "Account dashboard",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/app.DashboardView"}},
                    "401": {"description": "API key required", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "429": {"description": "Token limit exceeded", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/gdpr/delete": {
            "delete": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Cancels the subscription and erases the account. The body must confirm with DELETE_MY_ACCOUNT.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Account"],
                "summary": "Delete account",
                "parameters": [
                    {"description": "Confirmation", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/http.DeleteAccountRequest"}}
                ],
                "responses": {
                    "200": {"description": "Account deleted", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Confirmation required", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "500": {"description": "Subscription could not be canceled", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/gdpr/export": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Account"],
                "summary": "Export account data",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/app.AccountExport"}},
                    "401": {"description": "API key required", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/api/usage": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Charges tokens for an explicit amount, a workflow creation or a workflow run",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Account"],
                "summary": "Record usage",
                "parameters": [
                    {"description": "Operation to charge", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/http.UsageRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.UsageResponse"}},
                    "400": {"description": "Invalid charge", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "429": {"description": "Insufficient tokens", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "503": {"description": "Charge could not be recorded", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/create-checkout-session": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Billing"],
                "summary": "Create checkout session",
                "parameters": [
                    {"description": "Price and redirect URLs", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/http.CheckoutRequest"}}
                ],
                "responses": {
                    "200": {"description": "Session id and URL", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Missing parameters", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "500": {"description": "Provider error", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/webhook": {
            "post": {
                "description": "Receives signed subscription lifecycle events from the billing provider",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Billing"],
                "summary": "Billing webhook",
                "parameters": [
                    {"type": "string", "description": "Provider signature", "name": "Stripe-Signature", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "Event acknowledged", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid signature or event", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "500": {"description": "Ledger unavailable", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "app.AccountExport": {
            "type": "object",
            "properties": {
                "account": {"$ref": "#/definitions/app.ExportedAccount"},
                "exportedAt": {"type": "string"},
                "subscription": {"$ref": "#/definitions/app.ExportedSubscription"},
                "usage": {"type": "array", "items": {"$ref": "#/definitions/app.ExportedUsage"}}
            }
        },
        "app.ExportedAccount": {
            "type": "object",
            "properties": {
                "apiKey": {"type": "string"},
                "createdAt": {"type": "string"},
                "email": {"type": "string"},
                "id": {"type": "string"},
                "tokensAllocated": {"type": "integer"},
                "tokensUsed": {"type": "integer"},
                "updatedAt": {"type": "string"}
            }
        },
        "app.ExportedSubscription": {
            "type": "object",
            "properties": {
                "currentPeriodEnd": {"type": "string"},
                "planId": {"type": "string"},
                "providerCustomerId": {"type": "string"},
                "providerSubscriptionId": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "app.ExportedUsage": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "operation": {"type": "string"},
                "tokens": {"type": "integer"}
            }
        },
        "app.DashboardView": {
            "type": "object",
            "properties": {
                "currentPeriodEnd": {"type": "string"},
                "email": {"type": "string"},
                "maxTokens": {"type": "integer"},
                "plan": {"type": "string"},
                "price": {"type": "integer"},
                "status": {"type": "string"},
                "tokenBalance": {"type": "integer"},
                "tokenPercentage": {"type": "integer"},
                "tokensUsed": {"type": "integer"},
                "usageByOperation": {"type": "object", "additionalProperties": {"type": "integer"}},
                "warningLevel": {"type": "string"},
                "workflowLimit": {"type": "string"}
            }
        },
        "http.CheckoutRequest": {
            "type": "object",
            "properties": {
                "cancelUrl": {"type": "string"},
                "priceId": {"type": "string"},
                "successUrl": {"type": "string"}
            }
        },
        "http.DeleteAccountRequest": {
            "type": "object",
            "properties": {
                "confirm": {"type": "string"}
            }
        },
        "http.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "error": {"type": "string"},
                "limit": {"type": "integer"},
                "resets": {"type": "string"},
                "used": {"type": "integer"}
            }
        },
        "http.UsageRequest": {
            "type": "object",
            "properties": {
                "operation": {"type": "string"},
                "tokens": {"type": "integer"},
                "workflow": {"$ref": "#/definitions/plan.Workflow"}
            }
        },
        "http.UsageResponse": {
            "type": "object",
            "properties": {
                "recorded": {"type": "boolean"},
                "remainingTokens": {"type": "integer"},
                "success": {"type": "boolean"},
                "tokensConsumed": {"type": "integer"},
                "tokensUsed": {"type": "integer"}
            }
        },
        "plan.Workflow": {
            "type": "object",
            "properties": {
                "aiNodes": {"type": "integer"},
                "complexity": {"type": "string"},
                "integrations": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {
            "description": "API key for authentication",
            "type": "apiKey",
            "name": "X-API-Key",
            "in": "header"
        },
        "BearerAuth": {
            "description": "Bearer token authentication (format: \"Bearer {api_key}\")",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "tokengate",
	Description:      "API key authentication and token metering for subscription APIs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
