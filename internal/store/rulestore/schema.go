// internal/store/rulestore/schema.go
package rulestore

// policySchema is the closed tagged-union contract for scheduling policy
// documents. Source documents historically mixed fields of several variants
// in one record; oneOf with additionalProperties:false rejects any document
// that populates more than one variant.
var policySchema = map[string]interface{}{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"oneOf": []interface{}{
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"daysBefore": map[string]interface{}{
					"type":    "integer",
					"minimum": 0,
				},
				"sendAt": map[string]interface{}{
					"type":    "string",
					"pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$",
				},
			},
			"required":             []interface{}{"daysBefore", "sendAt"},
			"additionalProperties": false,
		},
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"hoursBefore": map[string]interface{}{
					"type":             "number",
					"exclusiveMinimum": 0,
				},
				"toleranceMinutes": map[string]interface{}{
					"type":    "integer",
					"minimum": 0,
				},
			},
			"required":             []interface{}{"hoursBefore", "toleranceMinutes"},
			"additionalProperties": false,
		},
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"sendAt": map[string]interface{}{
					"type":    "string",
					"pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$",
				},
				"daysOfWeek": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type":    "integer",
						"minimum": 0,
						"maximum": 6,
					},
					"minItems":    1,
					"uniqueItems": true,
				},
			},
			"required":             []interface{}{"sendAt", "daysOfWeek"},
			"additionalProperties": false,
		},
	},
}
