package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	for _, h := range handlers {
		app.Use(h)
	}
	return app
}

func decode(t *testing.T, body io.Reader) response.Response {
	t.Helper()
	var r response.Response
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return r
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"app error", apperr.AlreadyRunning("inbox"), 409, apperr.CodeAlreadyRunning},
		{"wrapped app error", errors.Join(errors.New("ctx"), apperr.BadRequest("nope")), 400, apperr.CodeBadRequest},
		{"fiber error", fiber.NewError(fiber.StatusNotFound, "missing"), 404, apperr.CodeNotFound},
		{"plain error", errors.New("boom"), 500, apperr.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			app.Get("/", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decode(t, resp.Body)
			if body.Success || body.Error == nil || body.Error.Code != tt.wantCode {
				t.Errorf("body = %+v, want code %s", body, tt.wantCode)
			}
			if body.Error != nil && body.Error.RequestID == "" {
				t.Error("request id missing from error body")
			}
		})
	}
}

func TestRecover(t *testing.T) {
	app := newApp(Recover())
	app.Get("/", func(c *fiber.Ctx) error { panic("kaboom") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRequestID(t *testing.T) {
	app := newApp()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(c.Locals("request_id").(string)) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, _ := app.Test(req)
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/", nil))
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("generated request id missing")
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{"valid token", "/processed", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, future), 200},
		{"missing header", "/processed", "", 401},
		{"wrong scheme", "/processed", "Basic abc", 401},
		{"wrong secret", "/processed", "Bearer " + signed(t, "other", jwt.SigningMethodHS256, future), 401},
		{"expired", "/processed", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, time.Now().Add(-time.Hour)), 401},
		{"other hmac alg rejected", "/processed", "Bearer " + signed(t, secret, jwt.SigningMethodHS512, future), 401},
		{"health is public", "/health", "", 200},
	}

	app := newApp(JWTAuth(secret))
	app.Get("/processed", func(c *fiber.Ctx) error { return c.SendString(c.Locals("subject").(string)) })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, _, ok := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if _, _, ok := rl.Allow("1.2.3.4"); ok {
		t.Error("third request should be rejected")
	}
	if _, _, ok := rl.Allow("5.6.7.8"); !ok {
		t.Error("other client should be allowed")
	}

	now = now.Add(2 * time.Minute)
	if rem, _, ok := rl.Allow("1.2.3.4"); !ok || rem != 1 {
		t.Errorf("after window: ok=%v remaining=%d", ok, rem)
	}

	app := newApp(NewRateLimiter(1, time.Minute).Handler())
	app.Post("/run", func(c *fiber.Ctx) error { return c.SendString("ok") })
	resp, _ := app.Test(httptest.NewRequest("POST", "/run", strings.NewReader("")))
	if resp.StatusCode != 200 {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest("POST", "/run", strings.NewReader("")))
	if resp.StatusCode != 429 {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
}
