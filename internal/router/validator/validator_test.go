package validator_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"mmproc/internal/router/validator"
)

const (
	subID = "11111111-1111-1111-1111-111111111111"
	chID  = "22222222-2222-2222-2222-222222222222"
)

func encode(t *testing.T, doc interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

func TestValidateAcceptsNestedPayload(t *testing.T) {
	t.Parallel()
	raw := encode(t, map[string]interface{}{
		"topic": "submission.notification.create",
		"payload": map[string]interface{}{
			"submissionId": subID,
			"challengeId":  "22222222-2222-2222-2222-22222222222A",
			"url":          "https://files/sub.zip",
			"memberId":     12345,
		},
	})
	msg, ok := validator.New(validator.EncodingBase64).Validate(raw)
	if !ok {
		t.Fatalf("expected valid message")
	}
	if msg.SubmissionID != subID {
		t.Fatalf("unexpected submission id %s", msg.SubmissionID)
	}
	if msg.ChallengeID != "22222222-2222-2222-2222-22222222222a" {
		t.Fatalf("challenge id must be lowercased, got %s", msg.ChallengeID)
	}
	if msg.Extra["url"] != "https://files/sub.zip" {
		t.Fatalf("extra lost url: %v", msg.Extra)
	}
	if n, ok := msg.Extra["memberId"].(json.Number); !ok || n.String() != "12345" {
		t.Fatalf("memberId must keep its digits, got %#v", msg.Extra["memberId"])
	}
	if _, ok := msg.Extra["submissionId"]; ok {
		t.Fatalf("ids must not be duplicated into extra")
	}
}

func TestValidateLegacyIDField(t *testing.T) {
	t.Parallel()
	raw := encode(t, map[string]interface{}{"payload": map[string]interface{}{"id": subID, "challengeId": chID}})
	msg, ok := validator.Validator{}.Validate(raw)
	if !ok || msg.SubmissionID != subID {
		t.Fatalf("expected legacy id to be accepted, got %+v %v", msg, ok)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "not-base64", raw: []byte("%%%")},
		{name: "not-json", raw: []byte(base64.StdEncoding.EncodeToString([]byte("hello")))},
		{name: "not-utf8", raw: []byte(base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe}))},
		{name: "no-payload", raw: encode(t, map[string]interface{}{"submissionId": subID, "challengeId": chID})},
		{name: "payload-not-object", raw: encode(t, map[string]interface{}{"payload": "x"})},
		{name: "missing-challenge", raw: encode(t, map[string]interface{}{"payload": map[string]interface{}{"submissionId": subID}})},
		{name: "missing-submission", raw: encode(t, map[string]interface{}{"payload": map[string]interface{}{"challengeId": chID}})},
		{name: "bad-uuid", raw: encode(t, map[string]interface{}{"payload": map[string]interface{}{"submissionId": "not-a-uuid", "challengeId": chID}})},
		{name: "braced-uuid", raw: encode(t, map[string]interface{}{"payload": map[string]interface{}{"submissionId": "{" + subID + "}", "challengeId": chID}})},
		{name: "numeric-id", raw: encode(t, map[string]interface{}{"payload": map[string]interface{}{"submissionId": 5, "challengeId": chID}})},
	}
	v := validator.New(validator.EncodingBase64)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := v.Validate(tt.raw); ok {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestValidateRawJSON(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"payload":{"submissionId":"` + subID + `","challengeId":"` + chID + `"}}`)
	if _, ok := validator.New(validator.EncodingNone).Validate(raw); !ok {
		t.Fatalf("expected raw json to validate")
	}
	if _, ok := validator.New(validator.EncodingBase64).Validate(raw); ok {
		t.Fatalf("raw json is not valid base64")
	}
}

func TestIsCanonicalUUID(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		subID:                                       true,
		"AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE":      true,
		"11111111111111111111111111111111":          false,
		"urn:uuid:" + subID:                         false,
		"11111111-1111-1111-1111-11111111111g":      false,
		"111111111-111-1111-1111-111111111111":      false,
	}
	for in, want := range cases {
		if got := validator.IsCanonicalUUID(in); got != want {
			t.Fatalf("IsCanonicalUUID(%q) = %v, want %v", in, got, want)
		}
	}
}
