// Package validator turns raw ingress records into normalized submission messages.
package validator

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"mmproc/internal/dispatch/model"

	"github.com/google/uuid"
)

// Encoding names the transport envelope around the JSON document.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingNone   Encoding = "none"
)

const (
	payloadField      = "payload"
	submissionIDField = "submissionId"
	legacyIDField     = "id"
	challengeIDField  = "challengeId"
)

// Validator validates and normalizes ingress payloads. The zero value decodes base64.
type Validator struct {
	Encoding Encoding
}

// New returns a validator for the given envelope encoding.
func New(enc Encoding) Validator {
	return Validator{Encoding: enc}
}

// Validate decodes raw and extracts the submission and challenge ids from the
// nested payload. ok is false for any malformed input.
func (v Validator) Validate(raw []byte) (model.NormalizedMessage, bool) {
	text, ok := v.decode(raw)
	if !ok {
		return model.NormalizedMessage{}, false
	}

	var doc map[string]json.RawMessage
	if err := unmarshalNumbers(text, &doc); err != nil {
		return model.NormalizedMessage{}, false
	}
	rawPayload, ok := doc[payloadField]
	if !ok {
		return model.NormalizedMessage{}, false
	}
	var payload map[string]interface{}
	if err := unmarshalNumbers(rawPayload, &payload); err != nil || payload == nil {
		return model.NormalizedMessage{}, false
	}

	submissionID, ok := stringField(payload, submissionIDField)
	if !ok {
		submissionID, ok = stringField(payload, legacyIDField)
	}
	if !ok {
		return model.NormalizedMessage{}, false
	}
	challengeID, ok := stringField(payload, challengeIDField)
	if !ok {
		return model.NormalizedMessage{}, false
	}
	if !IsCanonicalUUID(submissionID) || !IsCanonicalUUID(challengeID) {
		return model.NormalizedMessage{}, false
	}

	extra := make(map[string]interface{}, len(payload))
	for k, val := range payload {
		switch k {
		case submissionIDField, legacyIDField, challengeIDField:
			continue
		}
		extra[k] = val
	}
	return model.NormalizedMessage{
		SubmissionID: strings.ToLower(submissionID),
		ChallengeID:  strings.ToLower(challengeID),
		Extra:        extra,
	}, true
}

func (v Validator) decode(raw []byte) ([]byte, bool) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return nil, false
	}
	if v.Encoding != EncodingNone {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, data)
		if err != nil {
			return nil, false
		}
		data = decoded[:n]
	}
	if !utf8.Valid(data) {
		return nil, false
	}
	return data, true
}

func unmarshalNumbers(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	val, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// IsCanonicalUUID accepts only the hyphenated 8-4-4-4-12 hex form, in any case.
func IsCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	if s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
