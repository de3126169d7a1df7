package webhook

// PayloadKind discriminates the three delivery shapes the upstream mail
// relay uses for inbound webhooks.
type PayloadKind string

const (
	// KindMultipart is a decoded multipart/form-data field map.
	KindMultipart PayloadKind = "multipart"
	// KindRawMIME is the full original MIME message as bytes.
	KindRawMIME PayloadKind = "raw_mime"
	// KindJSON is an ad-hoc JSON object delivery.
	KindJSON PayloadKind = "json"
)

// RawInboundPayload is the durable record of what the provider actually
// sent, resolved into a tagged union at webhook receipt time. Exactly one of
// Fields, RawMIME, or JSON is populated, matching Kind. It is embedded
// verbatim into a queue job and never mutated afterward, so a failed job can
// be replayed or debugged from the original bytes.
type RawInboundPayload struct {
	Kind        PayloadKind       `json:"kind"`
	ContentType string            `json:"content_type"`
	Fields      map[string]string `json:"fields,omitempty"`
	RawMIME     []byte            `json:"raw_mime,omitempty"`
	JSON        map[string]any    `json:"json,omitempty"`
}
