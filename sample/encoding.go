package sample

// Encoding tags how a payload's bytes should be interpreted. It is carried
// verbatim; the core never validates payloads against it.
type Encoding string

// Well-known encodings.
const (
	// EncodingBytes is opaque binary data. Default.
	EncodingBytes Encoding = "application/octet-stream"
	// EncodingText is UTF-8 text.
	EncodingText Encoding = "text/plain"
	// EncodingJSON is a JSON document.
	EncodingJSON Encoding = "application/json"
)

// String returns the encoding tag.
func (e Encoding) String() string {
	return string(e)
}
