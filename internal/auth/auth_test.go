package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/rangectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	if tok, err := BearerToken("Bearer s3cret"); err != nil || tok != "s3cret" {
		t.Fatalf("expected s3cret, got %q err=%v", tok, err)
	}
	if tok, err := BearerToken("bearer   padded "); err != nil || tok != "padded" {
		t.Fatalf("expected padded, got %q err=%v", tok, err)
	}
	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc"} {
		if _, err := BearerToken(header); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("header %q: expected ErrMissingToken, got %v", header, err)
		}
	}
}

func TestRequireTokenGuardsMutatingMethods(t *testing.T) {
	testlog.Start(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireToken(StaticToken{Token: "s3cret"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, header string) int {
		req := httptest.NewRequest(method, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := do(http.MethodGet, ""); code != http.StatusOK {
		t.Fatalf("expected GET to pass, got %d", code)
	}
	if code := do(http.MethodPost, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected POST without token to fail, got %d", code)
	}
	if code := do(http.MethodPost, "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("expected POST with wrong token to fail, got %d", code)
	}
	if code := do(http.MethodPost, "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("expected POST with token to pass, got %d", code)
	}
}
