package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"triage_server/core/port/out"

	"github.com/goccy/go-json"
)

func TestParseLabelResult(t *testing.T) {
	tests := []struct {
		name     string
		resp     string
		wantCat  string
		wantConf float64
		wantErr  bool
	}{
		{name: "plain json", resp: `{"category":"URGENT","confidence":0.92,"reasoning":"due tonight"}`, wantCat: "URGENT", wantConf: 0.92},
		{name: "fenced json", resp: "```json\n{\"category\":\"SOCIAL\",\"confidence\":0.7}\n```", wantCat: "SOCIAL", wantConf: 0.7},
		{name: "not json", resp: "I think this is urgent", wantErr: true},
		{name: "missing category", resp: `{"confidence":0.5}`, wantErr: true},
		{name: "empty", resp: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLabelResult(tt.resp)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Category != tt.wantCat || got.Confidence != tt.wantConf {
				t.Errorf("got %s/%v, want %s/%v", got.Category, got.Confidence, tt.wantCat, tt.wantConf)
			}
		})
	}
}

func TestLabelBackend_Label(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"category\":\"ACADEMIC\",\"confidence\":0.81,\"reasoning\":\"exam\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(ClientConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	got, err := NewLabelBackend(client).Label(context.Background(), out.LabelRequest{Subject: "Exam 2", Body: "room change", Sender: "prof@uiowa.edu"})
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if got.Category != "ACADEMIC" || got.Confidence != 0.81 {
		t.Errorf("got %+v", got)
	}

	if gotBody["temperature"] != 0.3 {
		t.Errorf("temperature = %v, want 0.3", gotBody["temperature"])
	}
	if gotBody["max_tokens"] != float64(200) {
		t.Errorf("max_tokens = %v, want 200", gotBody["max_tokens"])
	}
	format, _ := gotBody["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", gotBody["response_format"])
	}
}

func TestLabelBackend_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	client := NewClientWithConfig(ClientConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	if _, err := NewLabelBackend(client).Label(context.Background(), out.LabelRequest{Subject: "x"}); err == nil {
		t.Fatal("expected error for 503")
	}
}
