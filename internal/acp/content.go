// Package acp defines the wire types for the Agent Client Protocol: the
// JSON-RPC payloads exchanged between parley and an external agent process.
// Union payloads carry a discriminant field ("type" or "sessionUpdate") and
// are decoded by explicit tag dispatch.
package acp

// ProtocolVersion is the ACP protocol version parley speaks.
const ProtocolVersion = 1

// ContentBlock is a single piece of prompt or output content. Type selects
// the variant: "text", "image", "audio", "resource" or "resource_link".
// Only the fields belonging to the active variant are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image / audio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource
	Resource *EmbeddedResource `json:"resource,omitempty"`

	// resource_link
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// EmbeddedResource is the payload of a "resource" content block. Exactly one
// of Text or Blob is set; Blob carries base64-encoded bytes.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// TextResourceBlock builds an embedded resource block for a UTF-8 text file.
func TextResourceBlock(uri, text, mimeType string) ContentBlock {
	return ContentBlock{Type: "resource", Resource: &EmbeddedResource{
		URI:      uri,
		Text:     text,
		MimeType: mimeType,
	}}
}

// BlobResourceBlock builds an embedded resource block for binary file
// contents. blob must already be base64-encoded.
func BlobResourceBlock(uri, blob, mimeType string) ContentBlock {
	return ContentBlock{Type: "resource", Resource: &EmbeddedResource{
		URI:      uri,
		Blob:     blob,
		MimeType: mimeType,
	}}
}
