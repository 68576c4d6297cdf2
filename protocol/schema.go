package protocol

import "github.com/xeipuuv/gojsonschema"

// Inbound envelope schemas. Options objects are deliberately left open here:
// their fields are operation specific and media.DecodeOptions rejects unknown
// keys with full knowledge of the operation.

var startJobSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"type": {"const": "start_job"},
		"job_id": {"type": "string", "minLength": 1, "maxLength": 256},
		"operation": {
			"type": "string",
			"enum": [
				"speed",
				"compress",
				"extract_audio",
				"remove_audio",
				"convert",
				"thumbnail",
				"trim",
				"concat",
				"gif",
				"filter",
				"extract_subtitles",
				"burn_subtitles"
			]
		},
		"input": {
			"type": "object",
			"oneOf": [
				{
					"properties": {
						"source": {"const": "upload"},
						"filename": {"type": "string"}
					},
					"additionalProperties": false,
					"required": ["source"]
				},
				{
					"properties": {
						"source": {"const": "url"},
						"url": {"type": "string", "pattern": "^https?://"}
					},
					"additionalProperties": false,
					"required": ["source", "url"]
				}
			]
		},
		"options": {"type": "object"}
	},
	"additionalProperties": false,
	"required": [
		"type",
		"job_id",
		"operation",
		"input"
	]
}`

var cancelJobSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"type": {"const": "cancel_job"},
		"job_id": {"type": "string", "minLength": 1, "maxLength": 256}
	},
	"additionalProperties": false,
	"required": [
		"type",
		"job_id"
	]
}`

var pingSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"type": {"const": "ping"}
	},
	"additionalProperties": false,
	"required": [
		"type"
	]
}`

var inboundSchemaDefinitions = map[string]string{
	TypeStartJob:  startJobSchemaDefinition,
	TypeCancelJob: cancelJobSchemaDefinition,
	TypePing:      pingSchemaDefinition,
}

func compileInboundSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(inboundSchemaDefinitions))
	for name, text := range inboundSchemaDefinitions {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inboundSchemas map[string]*gojsonschema.Schema = compileInboundSchemas()
