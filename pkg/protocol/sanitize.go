package protocol

import (
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
)

// imagePartFromURI validates an image reference and builds the canonical
// part. Only data:, http: and https: schemes are accepted; anything else
// (file:, javascript:, gopher:, ...) is dropped by returning nil. This is a
// security boundary for content forwarded upstream.
func imagePartFromURI(uri, detail string) *canonical.Part {
	switch {
	case strings.HasPrefix(uri, "data:"):
		rest := strings.TrimPrefix(uri, "data:")
		semi := strings.Index(rest, ";base64,")
		if semi <= 0 {
			return nil
		}
		return &canonical.Part{
			Type: canonical.PartTypeInlineData,
			InlineData: &canonical.InlineData{
				MIMEType: rest[:semi],
				Data:     rest[semi+len(";base64,"):],
			},
		}
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return &canonical.Part{
			Type:     canonical.PartTypeImageURL,
			ImageURL: &canonical.ImageURL{URL: uri, Detail: detail},
		}
	default:
		return nil
	}
}

// geminiUnsupportedSchemaKeys are JSON-schema keywords the Gemini API
// rejects inside function declarations.
var geminiUnsupportedSchemaKeys = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"$defs":                true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"additionalProperties": true,
	"uniqueItems":          true,
	"patternProperties":    true,
	"allOf":                true,
	"oneOf":                true,
}

// SanitizeGeminiSchema strips schema keywords Gemini does not accept,
// recursing into properties and items. The input is not modified.
func SanitizeGeminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if geminiUnsupportedSchemaKeys[k] {
			continue
		}
		switch k {
		case "properties":
			if props, ok := v.(map[string]any); ok {
				cleaned := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						cleaned[name] = SanitizeGeminiSchema(subSchema)
					} else {
						cleaned[name] = sub
					}
				}
				out[k] = cleaned
				continue
			}
		case "items":
			if sub, ok := v.(map[string]any); ok {
				out[k] = SanitizeGeminiSchema(sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// MergeFunctionDeclarations deduplicates tools by name, keeping the first
// declaration of each. Gemini requires a single function_declarations
// group with unique names.
func MergeFunctionDeclarations(tools []canonical.Tool) []canonical.Tool {
	seen := make(map[string]bool, len(tools))
	out := make([]canonical.Tool, 0, len(tools))
	for _, t := range tools {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}
