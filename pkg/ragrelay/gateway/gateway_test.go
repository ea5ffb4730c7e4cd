package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeSource struct {
	qr        string
	connected bool
	logoutErr error
	loggedOut bool
}

func (f *fakeSource) CurrentQR() (string, bool) { return f.qr, f.qr != "" }
func (f *fakeSource) IsConnected() bool         { return f.connected }
func (f *fakeSource) Status(context.Context) any {
	return map[string]any{"connected": f.connected}
}
func (f *fakeSource) Logout(context.Context) error {
	f.loggedOut = true
	return f.logoutErr
}

func newTestServer(t *testing.T, src Source, token string) *httptest.Server {
	t.Helper()
	return serve(t, src, Config{Address: "127.0.0.1:0", AuthToken: token})
}

func serve(t *testing.T, src Source, cfg Config) *httptest.Server {
	t.Helper()
	g := New(src, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestIndex(t *testing.T) {
	t.Run("renders pending QR as data URL", func(t *testing.T) {
		srv := newTestServer(t, &fakeSource{qr: "2@abc,def,ghi"}, "")

		resp, body := get(t, srv.URL+"/", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !strings.Contains(body, `src="data:image/png;base64,`) {
			t.Errorf("expected inline PNG, got %s", body)
		}
		if resp.Header.Get("X-Frame-Options") != "DENY" {
			t.Error("expected security headers")
		}
	})

	t.Run("ready indicator once connected", func(t *testing.T) {
		srv := newTestServer(t, &fakeSource{connected: true}, "")

		_, body := get(t, srv.URL+"/", "")
		if !strings.Contains(body, "Relay active") {
			t.Errorf("expected ready text, got %s", body)
		}
		if strings.Contains(body, "<img") {
			t.Error("no QR expected when connected")
		}
	})

	t.Run("unknown path is 404", func(t *testing.T) {
		srv := newTestServer(t, &fakeSource{}, "")

		resp, _ := get(t, srv.URL+"/nope", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeSource{}, "secret")

	resp, body := get(t, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]bool
	if err := json.Unmarshal([]byte(body), &got); err != nil || !got["ok"] {
		t.Errorf("unexpected body %s (%v)", body, err)
	}
}

func TestStatusAuth(t *testing.T) {
	srv := newTestServer(t, &fakeSource{connected: true}, "secret")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+"/api/status", tt.token)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusOK && !strings.Contains(body, `"connected":true`) {
				t.Errorf("expected relay status, got %s", body)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		src := &fakeSource{connected: true}
		srv := newTestServer(t, src, "")

		resp, err := http.Post(srv.URL+"/api/logout", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !src.loggedOut {
			t.Errorf("status = %d, loggedOut = %v", resp.StatusCode, src.loggedOut)
		}
	})

	t.Run("failure maps to conflict", func(t *testing.T) {
		srv := newTestServer(t, &fakeSource{logoutErr: errors.New("not linked")}, "")

		resp, err := http.Post(srv.URL+"/api/logout", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		srv := newTestServer(t, &fakeSource{}, "")

		resp, _ := get(t, srv.URL+"/api/logout", "")
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestAPIDisabledWithoutTokenOnOpenAddress(t *testing.T) {
	src := &fakeSource{connected: true}
	srv := serve(t, src, Config{Address: ":3000"})

	resp, err := http.Post(srv.URL+"/api/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("logout status = %d, want 403", resp.StatusCode)
	}
	if src.loggedOut {
		t.Error("anonymous caller must not unlink the device")
	}

	if resp, _ := get(t, srv.URL+"/api/status", ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("status endpoint = %d, want 403", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("index = %d, want 200", resp.StatusCode)
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:3000": true,
		"localhost:3000": true,
		":3000":          false,
		"0.0.0.0:3000":   false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
