package definition

// documentSchema validates the raw definition document before it is decoded
// into typed models. Structural checks only; semantic checks (action unions,
// variable references, duplicate step ids) run after decoding.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "description": {"type": "string"},
    "version": {"type": "integer", "minimum": 1},
    "smart_code": {"type": "string"},
    "trigger": {
      "type": "object",
      "properties": {
        "type": {"enum": ["manual", "schedule", "entity_created"]},
        "cron": {"type": "string"},
        "entity_type": {"type": "string"}
      }
    },
    "variables": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["string", "number", "boolean", "object", "array"]},
          "required": {"type": "boolean"}
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["action", "user_action", "conditional", "wait", "parallel", "loop"]},
          "condition": {"type": "string"},
          "guardrails": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"type": "string"},
                "config": {"type": "object"}
              }
            }
          },
          "actions": {"type": "array"},
          "branches": {"type": "array"},
          "error_handlers": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    }
  }
}`
