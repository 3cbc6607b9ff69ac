// Package payload defines the JSON documents that carry an incoming
// message into the encrypted store.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encryption schemes recorded in a stored document.
const (
	SchemePubkey = "pubkey"
	SchemeNone   = "none"
)

// Content is the cleartext JSON encrypted to the recipient. The client
// decrypts it and finds the raw RFC 5322 message under "content".
type Content struct {
	Incoming bool   `json:"incoming"`
	Content  string `json:"content"`
}

// NewContent wraps a raw message.
func NewContent(raw []byte) Content {
	return Content{Incoming: true, Content: string(raw)}
}

// Marshal encodes c without escaping HTML characters, so the message text
// survives byte for byte.
func (c Content) Marshal() ([]byte, error) {
	data, err := marshalNoEscape(c)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// ParseContent decodes a decrypted payload.
func ParseContent(data []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("decoding payload: %w", err)
	}
	return c, nil
}

// Document is the record written to the user's store.
type Document struct {
	ID        string `json:"-"`
	Incoming  bool   `json:"incoming"`
	ErrDecr   bool   `json:"errdecr"`
	EncScheme string `json:"_enc_scheme"`
	EncJSON   string `json:"_enc_json"`
}

// NewDocument builds a document holding an armored PGP message.
func NewDocument(id, armored string) Document {
	return Document{
		ID:        id,
		Incoming:  true,
		ErrDecr:   false,
		EncScheme: SchemePubkey,
		EncJSON:   armored,
	}
}

// Marshal encodes d as JSON.
func (d Document) Marshal() ([]byte, error) {
	return marshalNoEscape(d)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
