package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuildPayload(t *testing.T) {
	yes := true
	tests := []struct {
		name     string
		got      Payload
		want     Payload
		wantJSON string
	}{
		{
			name:     "plain text",
			got:      BuildPayload("balance", "", "en", false, false),
			want:     Payload{Message: "balance", Type: TypeText, Language: "en"},
			wantJSON: `{"message":"balance","type":"text","language":"en","isGroup":false}`,
		},
		{
			name:     "confirmed follow-up",
			got:      BuildPayload("refund status", TypeText, "en", true, true),
			want:     Payload{Message: "refund status", Type: TypeText, Language: "en", IsGroup: true, Confirmed: &yes},
			wantJSON: `{"message":"refund status","type":"text","language":"en","isGroup":true,"confirmed":true}`,
		},
		{
			name:     "image",
			got:      BuildPayload("टेक्स्ट", TypeImage, "hi", false, false),
			want:     Payload{Message: "टेक्स्ट", Type: TypeImage, Language: "hi"},
			wantJSON: `{"message":"टेक्स्ट","type":"image","language":"hi","isGroup":false}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			b, err := json.Marshal(tt.got)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.wantJSON {
				t.Errorf("json = %s, want %s", b, tt.wantJSON)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     Response
		wantText string
	}{
		{"invalid json is the reply", "Sorry, try later", Response{Reply: "Sorry, try later"}, "Sorry, try later"},
		{"output field", `{"output":"42"}`, Response{Output: "42"}, "42"},
		{"reply wins over output", `{"reply":"hi","output":"42"}`, Response{Reply: "hi", Output: "42"}, "hi"},
		{"empty reply falls to output", `{"reply":"","output":"42"}`, Response{Output: "42"}, "42"},
		{"empty object", `{}`, Response{}, FallbackReply},
		{"empty body", "", Response{}, FallbackReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse([]byte(tt.raw))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseResponse mismatch (-want +got):\n%s", diff)
			}
			if got.Text() != tt.wantText {
				t.Errorf("Text() = %q, want %q", got.Text(), tt.wantText)
			}
		})
	}
}

func TestQuery_Success(t *testing.T) {
	var gotBody Payload
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"reply":"Your balance is 1,200."}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "secret"}, srv.Client())
	resp, err := c.Query(context.Background(), BuildPayload("balance", TypeText, "en", false, false))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text() != "Your balance is 1,200." {
		t.Errorf("reply = %q", resp.Text())
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Message != "balance" || gotBody.Type != TypeText {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestQuery_MalformedBodyIsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Sorry, try later"))
	}))
	defer srv.Close()

	resp, err := NewClient(Config{URL: srv.URL}, nil).Query(context.Background(), Payload{Message: "x"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text() != "Sorry, try later" {
		t.Errorf("reply = %q", resp.Text())
	}
}

func TestQuery_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL}, nil).Query(context.Background(), Payload{Message: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
}

func TestQuery_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := c.Query(context.Background(), Payload{Message: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestQuery_NoURL(t *testing.T) {
	if _, err := NewClient(Config{}, nil).Query(context.Background(), Payload{}); err == nil {
		t.Fatal("expected error without webhook url")
	}
}
