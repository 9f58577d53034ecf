package openapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Generator builds the OpenAPI 3.0 description of the HL7 v2 parsing API.
type Generator struct {
	version string
	baseURL string
}

// NewGenerator creates a new OpenAPI spec generator.
func NewGenerator(version, baseURL string) *Generator {
	return &Generator{version: version, baseURL: baseURL}
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	rawMessageBody := map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"text/plain": map[string]interface{}{
				"schema": map[string]interface{}{
					"type":        "string",
					"description": "One HL7 v2 message, segments separated by CR, LF or CRLF",
				},
			},
		},
	}

	paths := map[string]interface{}{
		"/api/v1/hl7v2/parse": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Parse one HL7 v2 message into a patient record",
				"operationId": "parseMessage",
				"tags":        []string{"hl7v2"},
				"requestBody": rawMessageBody,
				"responses": map[string]interface{}{
					"200": g.buildResponseWithSchema("Parse result", "#/components/schemas/ParseResult"),
					"400": g.buildResponseWithSchema("Empty or unreadable body", "#/components/schemas/Error"),
					"413": g.buildResponseWithSchema("Body too large", "#/components/schemas/Error"),
					"422": g.buildResponseWithSchema("No usable MSH header", "#/components/schemas/ParseResult"),
				},
			},
		},
		"/api/v1/hl7v2/validate": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Validate one HL7 v2 message",
				"operationId": "validateMessage",
				"tags":        []string{"hl7v2"},
				"requestBody": rawMessageBody,
				"responses": map[string]interface{}{
					"200": g.buildResponseWithSchema("Validation outcome", "#/components/schemas/ValidationResult"),
					"400": g.buildResponseWithSchema("Empty or unreadable body", "#/components/schemas/Error"),
					"413": g.buildResponseWithSchema("Body too large", "#/components/schemas/Error"),
					"422": g.buildResponseWithSchema("No usable MSH header", "#/components/schemas/ValidationResult"),
				},
			},
		},
		"/api/v1/hl7v2/batch": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Parse several HL7 v2 messages",
				"operationId": "parseBatch",
				"tags":        []string{"hl7v2"},
				"requestBody": map[string]interface{}{
					"required": true,
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{
							"schema": map[string]interface{}{"$ref": "#/components/schemas/BatchRequest"},
						},
					},
				},
				"responses": map[string]interface{}{
					"200": g.buildResponseWithSchema("One result per message, in request order", "#/components/schemas/BatchResponse"),
					"400": g.buildResponseWithSchema("Invalid request", "#/components/schemas/Error"),
					"413": g.buildResponseWithSchema("Body too large", "#/components/schemas/Error"),
					"503": g.buildResponseWithSchema("Batch cancelled", "#/components/schemas/Error"),
				},
			},
		},
		"/api/v1/hl7v2/events": map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Stream parse outcomes over a WebSocket",
				"operationId": "streamEvents",
				"tags":        []string{"hl7v2"},
				"parameters": []map[string]interface{}{
					{
						"name":        "topics",
						"in":          "query",
						"description": "Comma-separated topics: *, status:<status>, source:<http|mllp|batch>",
						"schema":      map[string]string{"type": "string"},
					},
				},
				"responses": map[string]interface{}{
					"101": map[string]interface{}{"description": "Switching protocols"},
					"403": map[string]interface{}{"description": "Origin not allowed"},
				},
			},
		},
	}

	spec := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "HL7 v2 Parser API",
			"version":     g.version,
			"description": "Parses and validates HL7 v2.x clinical messages into normalized patient records",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"security": []map[string][]string{
			{"bearerAuth": {}},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
			"schemas": buildComponentSchemas(),
		},
	}

	return spec
}

// buildResponseWithSchema creates an OpenAPI response with content schema reference.
func (g *Generator) buildResponseWithSchema(description, schemaRef string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{
					"$ref": schemaRef,
				},
			},
		},
	}
}

func buildComponentSchemas() map[string]interface{} {
	return map[string]interface{}{
		"Error": objectSchema(map[string]interface{}{
			"error": stringProp(),
		}),
		"Issue": buildIssueSchema(),
		"Quality": buildQualitySchema(),
		"Header": objectSchema(map[string]interface{}{
			"sending_app":        stringProp(),
			"sending_facility":   stringProp(),
			"receiving_app":      stringProp(),
			"receiving_facility": stringProp(),
			"timestamp":          stringProp(),
			"message_type":       stringProp(),
			"trigger_event":      stringProp(),
			"control_id":         stringProp(),
			"processing_id":      stringProp(),
			"version":            stringProp(),
		}),
		"PatientRecord": buildPatientRecordSchema(),
		"ParseResult": objectSchema(map[string]interface{}{
			"record":  ref("PatientRecord"),
			"issues":  arrayOf(ref("Issue")),
			"quality": ref("Quality"),
			"header":  ref("Header"),
		}),
		"ValidationResult": objectSchema(map[string]interface{}{
			"status":  statusProp(),
			"issues":  arrayOf(ref("Issue")),
			"quality": ref("Quality"),
		}),
		"BatchRequest": map[string]interface{}{
			"type":     "object",
			"required": []string{"messages"},
			"properties": map[string]interface{}{
				"messages": map[string]interface{}{
					"type":     "array",
					"minItems": 1,
					"items":    stringProp(),
				},
			},
		},
		"BatchResponse": objectSchema(map[string]interface{}{
			"results": arrayOf(ref("ParseResult")),
		}),
	}
}

func buildIssueSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"severity": map[string]interface{}{
			"type": "string",
			"enum": []string{"info", "warning", "error", "fatal"},
		},
		"code":        stringProp(),
		"segment_tag": stringProp(),
		"field_index": map[string]interface{}{"type": "integer", "minimum": 1},
		"message":     stringProp(),
	})
}

func buildQualitySchema() map[string]interface{} {
	props := map[string]interface{}{
		"completeness": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
	}
	for _, name := range []string{
		"total_segments", "structured_segments", "fallback_segments",
		"unrecognized_segments", "realigned_segments", "errors", "warnings",
		"infos", "required_present", "required_expected",
	} {
		props[name] = map[string]interface{}{"type": "integer", "minimum": 0}
	}
	return objectSchema(props)
}

func buildPatientRecordSchema() map[string]interface{} {
	name := objectSchema(map[string]interface{}{
		"family": stringProp(),
		"given":  stringProp(),
		"middle": stringProp(),
	})
	address := objectSchema(map[string]interface{}{
		"street":      stringProp(),
		"other":       stringProp(),
		"city":        stringProp(),
		"state":       stringProp(),
		"postal_code": stringProp(),
		"country":     stringProp(),
	})
	demographics := objectSchema(map[string]interface{}{
		"id":      stringProp(),
		"name":    name,
		"dob":     stringProp(),
		"sex":     stringProp(),
		"address": address,
		"phone":   stringProp(),
		"ssn":     stringProp(),
	})
	visit := objectSchema(map[string]interface{}{
		"patient_class": stringProp(),
		"location": objectSchema(map[string]interface{}{
			"unit": stringProp(),
			"room": stringProp(),
			"bed":  stringProp(),
		}),
		"attending_id":     stringProp(),
		"attending_name":   stringProp(),
		"hospital_service": stringProp(),
		"admission_type":   stringProp(),
		"admit_time":       stringProp(),
	})
	visit["nullable"] = true
	diagnosis := objectSchema(map[string]interface{}{
		"set_id":        stringProp(),
		"code":          stringProp(),
		"coding_system": stringProp(),
		"description":   stringProp(),
		"date":          stringProp(),
		"type":          stringProp(),
	})
	observation := objectSchema(map[string]interface{}{
		"set_id":                 stringProp(),
		"value_type":             stringProp(),
		"identifier_code":        stringProp(),
		"identifier_description": stringProp(),
		"coding_system":          stringProp(),
		"value":                  stringProp(),
		"numeric":                map[string]interface{}{"type": "number"},
		"units":                  stringProp(),
		"reference_range":        stringProp(),
		"abnormal_flag":          stringProp(),
		"result_status":          stringProp(),
	})
	procedure := objectSchema(map[string]interface{}{
		"set_id":        stringProp(),
		"code":          stringProp(),
		"description":   stringProp(),
		"coding_system": stringProp(),
		"datetime":      stringProp(),
		"surgeon_id":    stringProp(),
		"surgeon_name":  stringProp(),
		"type":          stringProp(),
	})
	return objectSchema(map[string]interface{}{
		"demographics": demographics,
		"visit":        visit,
		"diagnoses":    arrayOf(diagnosis),
		"observations": arrayOf(observation),
		"procedures":   arrayOf(procedure),
	})
}

func objectSchema(props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": props}
}

func arrayOf(items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": items}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func stringProp() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func statusProp() map[string]interface{} {
	return map[string]interface{}{
		"type": "string",
		"enum": []string{"valid", "warning", "error", "fatal"},
	}
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>HL7 v2 Parser API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true
    })
  </script>
</body>
</html>`

// RegisterRoutes registers GET /openapi.json and GET /docs on e.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	spec := g.GenerateSpec()
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, spec)
	})
	e.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
