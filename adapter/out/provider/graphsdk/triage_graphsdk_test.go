package graphsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"triage_server/core/port/out"
)

func strPtr(s string) *string { return &s }

func TestConvertMessage(t *testing.T) {
	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))

	addr := models.NewEmailAddress()
	addr.SetName(strPtr("Prof. Kim"))
	addr.SetAddress(strPtr("kim@uni.edu"))
	from := models.NewRecipient()
	from.SetEmailAddress(addr)

	m := models.NewMessage()
	m.SetId(strPtr("AAMk1"))
	m.SetInternetMessageId(strPtr("<abc@uni.edu>"))
	m.SetSubject(strPtr("Exam schedule"))
	m.SetBodyPreview(strPtr("The midterm is next week"))
	m.SetFrom(from)
	m.SetReceivedDateTime(&received)

	got, err := convertMessage(m)
	if err != nil {
		t.Fatalf("convertMessage: %v", err)
	}
	if got.StableID != "<abc@uni.edu>" || got.ProviderID != "AAMk1" {
		t.Errorf("ids = %q / %q", got.StableID, got.ProviderID)
	}
	if got.Sender != "Prof. Kim <kim@uni.edu>" {
		t.Errorf("sender = %q", got.Sender)
	}
	if !got.ReceivedAt.Equal(received) || got.ReceivedAt.Location() != time.UTC {
		t.Errorf("received = %v", got.ReceivedAt)
	}

	m.SetReceivedDateTime(nil)
	if _, err := convertMessage(m); err == nil {
		t.Error("expected error for missing receivedDateTime")
	}
}

func TestMergeCategory(t *testing.T) {
	merged, changed := mergeCategory([]string{"Red category"}, "SOCIAL")
	if !changed || len(merged) != 2 || merged[1] != "SOCIAL" {
		t.Errorf("merged = %v, changed = %v", merged, changed)
	}
	if _, changed := mergeCategory([]string{"social"}, "SOCIAL"); changed {
		t.Error("existing category should not be added again")
	}
}

func TestMapGraphError(t *testing.T) {
	odata := func(status int) error {
		e := odataerrors.NewODataError()
		e.ResponseStatusCode = status
		return e
	}

	tests := []struct {
		name      string
		err       error
		expired   bool
		transient bool
	}{
		{"unauthorized", odata(http.StatusUnauthorized), true, false},
		{"forbidden", odata(http.StatusForbidden), false, false},
		{"throttled", odata(http.StatusTooManyRequests), false, true},
		{"unavailable", odata(http.StatusServiceUnavailable), false, true},
		{"credential", fmt.Errorf("get token: %w", out.ErrUnauthenticated), true, false},
		{"network", errors.New("dial tcp: connection refused"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapGraphError(tt.err)
			if got := out.IsAuthExpired(err); got != tt.expired {
				t.Errorf("IsAuthExpired = %v, want %v", got, tt.expired)
			}
			if got := out.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestMapGraphError_Message(t *testing.T) {
	withBody := func(status int, code, message *string) error {
		e := odataerrors.NewODataError()
		e.ResponseStatusCode = status
		main := odataerrors.NewMainError()
		main.SetCode(code)
		main.SetMessage(message)
		e.SetErrorEscaped(main)
		return e
	}
	str := func(s string) *string { return &s }

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"empty body", odataerrors.NewODataError(), "graph status 0"},
		{"gateway without error object", func() error {
			e := odataerrors.NewODataError()
			e.ResponseStatusCode = http.StatusBadGateway
			return e
		}(), "graph status 502"},
		{"code without message", withBody(http.StatusTooManyRequests, str("TooManyRequests"), nil), "graph status 429 TooManyRequests"},
		{"code and message", withBody(http.StatusNotFound, str("ErrorItemNotFound"), str("not found")), "graph status 404 ErrorItemNotFound: not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapGraphError(tt.err)
			var pe *out.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %T, want *out.ProviderError", err)
			}
			if pe.Message != tt.want {
				t.Errorf("Message = %q, want %q", pe.Message, tt.want)
			}
			if got := err.Error(); got == "" {
				t.Error("Error() is empty")
			}
		})
	}
}

type fixedCreds struct {
	token string
	err   error
}

func (c fixedCreds) Token(context.Context) (string, error) { return c.token, c.err }
func (c fixedCreds) Refresh(context.Context) error         { return nil }

func TestCredentialBridge(t *testing.T) {
	b := &credentialBridge{creds: fixedCreds{token: "graph-token"}}
	tok, err := b.GetToken(context.Background(), policy.TokenRequestOptions{})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Token != "graph-token" || !tok.ExpiresOn.After(time.Now()) {
		t.Errorf("token = %+v", tok)
	}

	b = &credentialBridge{creds: fixedCreds{err: out.ErrUnauthenticated}}
	if _, err := b.GetToken(context.Background(), policy.TokenRequestOptions{}); !errors.Is(err, out.ErrUnauthenticated) {
		t.Errorf("GetToken error = %v", err)
	}
}
