package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"unicode/utf8"
)

// ErrEmptyBody is returned when the webhook body is zero length. This is the
// only class of request rejected synchronously; everything decodable is
// enqueued and sorted out by the extraction engine.
var ErrEmptyBody = errors.New("empty webhook body")

const maxFieldSize = 10 << 20 // 10MB per multipart field

// Normalize converts raw webhook bytes plus the declared Content-Type into a
// RawInboundPayload. multipart/form-data becomes a field map,
// application/json a generic object tree, and anything else (including the
// provider's raw-MIME delivery mode, sometimes base64 wrapped) an opaque
// blob. No semantic interpretation happens here.
func Normalize(contentType string, body []byte) (RawInboundPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return RawInboundPayload{}, ErrEmptyBody
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "multipart/form-data":
		fields, err := parseMultipart(body, params["boundary"])
		if err != nil {
			return RawInboundPayload{}, fmt.Errorf("decoding multipart body: %w", err)
		}
		return RawInboundPayload{
			Kind:        KindMultipart,
			ContentType: contentType,
			Fields:      fields,
		}, nil

	case mediaType == "application/json":
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			return RawInboundPayload{}, fmt.Errorf("decoding json body: %w", err)
		}
		return RawInboundPayload{
			Kind:        KindJSON,
			ContentType: contentType,
			JSON:        obj,
		}, nil

	default:
		return RawInboundPayload{
			Kind:        KindRawMIME,
			ContentType: contentType,
			RawMIME:     decodeRawBody(body),
		}, nil
	}
}

func parseMultipart(body []byte, boundary string) (map[string]string, error) {
	if boundary == "" {
		return nil, errors.New("missing multipart boundary")
	}

	fields := make(map[string]string)
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		val, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		if err != nil {
			return nil, fmt.Errorf("reading field %q: %w", name, err)
		}
		fields[name] = string(val)
	}
	if len(fields) == 0 {
		return nil, errors.New("multipart body contained no fields")
	}
	return fields, nil
}

// decodeRawBody unwraps a base64 layer when the whole body is valid base64
// of UTF-8 text. Some relays deliver the raw MIME message double-encoded
// this way.
func decodeRawBody(body []byte) []byte {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) < 8 {
		return body
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return body
	}
	if !utf8.Valid(decoded) || !bytes.Contains(decoded, []byte(":")) {
		return body
	}
	return decoded
}
