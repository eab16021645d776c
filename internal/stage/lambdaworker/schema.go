package lambdaworker

// outputSchema constrains the JSON a stage function may return once any
// API-Gateway envelope has been removed.
const outputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "statusCode": {"type": "integer", "minimum": 100, "maximum": 599},
    "error": {"type": ["string", "null"]},
    "items": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["rowIndex"],
        "properties": {
          "rowIndex": {"type": "integer", "minimum": 1}
        }
      }
    },
    "failures": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["rowIndex"],
        "properties": {
          "rowIndex": {"type": "integer", "minimum": 1},
          "error": {"type": "string"},
          "retryable": {"type": "boolean"}
        }
      }
    }
  }
}`
