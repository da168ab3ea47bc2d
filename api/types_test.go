package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFailureOmitsResult(t *testing.T) {
	resp := Failure(ErrInvalidJSON, "request is not valid JSON")
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	if strings.Contains(body, `"result"`) {
		t.Fatalf("failure response should not carry result: %s", body)
	}
	if !strings.Contains(body, `"success":false`) || !strings.Contains(body, `"error_type":"invalid_json"`) {
		t.Fatalf("unexpected failure body: %s", body)
	}
}

func TestSuccessKeepsNullResult(t *testing.T) {
	data, err := json.Marshal(Success("test", "ping", nil, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"result":null`) {
		t.Fatalf("success response should carry result: %s", data)
	}
}
