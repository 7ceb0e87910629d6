package sanitize

import (
	"encoding/json"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "nginx/1.25", "nginx/1.25"},
		{"raw nul", "ab\x00cd", "abcd"},
		{"json escaped nul", `ab\u0000cd`, "abcd"},
		{"literal hex nul", `ab\x00cd`, "abcd"},
		{"percent nul", "a%00b", "ab"},
		{"html entities", "a&#0;b&#x0;c", "abc"},
		{"nested forms", `%\u000000`, ""},
		{"escaped backslash kept", `C:\\u0000dir`, `C:\\u0000dir`},
		{"escaped backslash then nul", `a\\\u0000b`, `a\\b`},
		{"other escapes kept", `line\nnext \"q\"`, `line\nnext \"q\"`},
		{"keeps whitespace", "a\tb\nc\r\n", "a\tb\nc\r\n"},
		{"drops controls", "a\x01b\x1bc\x7fd", "abcd"},
		{"invalid utf8", "ok\xff\xfe!", "ok!"},
		{"nfc", "e\u0301", "\u00e9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}

func FuzzStringIdempotent(f *testing.F) {
	for _, seed := range []string{"", "abc", "a\x00b", `\u0000`, "%0%000", `\\u0000`, "&#x&#x0;0;", "e\x00\u0301", "\xff\x00\xfe"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		once := String(s)
		if twice := String(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
		if !utf8.ValidString(once) {
			t.Fatalf("invalid utf-8 output for %q", s)
		}
	})
}

func TestBytes(t *testing.T) {
	clean := []byte(`{"resumo":"ok"}`)
	assert.Equal(t, clean, Bytes(clean))
	assert.Equal(t, `{"resumo":"ok"}`, string(Bytes([]byte("{\"resumo\":\"o\x00k\"}"))))
	assert.Equal(t, `{"resumo":"ok"}`, string(Bytes([]byte(`{"resumo":"o\u0000k"}`))))

	windowsPath := []byte(`{"resumo":"arquivo em C:\\u0000dir"}`)
	out := Bytes(windowsPath)
	require.True(t, json.Valid(out))
	var doc struct {
		Resumo string `json:"resumo"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, `arquivo em C:\u0000dir`, doc.Resumo)
}

func TestNormalizeReport(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	r := models.NewAggregateScanReport("https://example.com", time.Date(2024, 5, 1, 9, 30, 15, 999, loc))
	r.Merge(&models.HeaderSection{
		StatusCode: 200,
		Headers:    map[string]string{"x-powered-by": "PHP\x00/8", "Server": "nginx"},
		Cookies:    []models.CookieReport{{Name: "sid\x01", SameSite: "lax"}},
	})
	r.Merge(&models.PortSection{Results: []models.PortResult{{IP: "192.0.2.1", Port: 22, Open: true, Banner: "SSH-2.0\x00", Service: "SSH"}}})

	out := NormalizeReport(r)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC), out.Timestamp)
	assert.Equal(t, "PHP/8", out.Headers["X-Powered-By"])
	assert.NotContains(t, out.Headers, "x-powered-by")
	assert.Equal(t, "sid", out.Cookies[0].Name)
	assert.Equal(t, "Lax", out.Cookies[0].SameSite)
	assert.Equal(t, "SSH-2.0", out.Ports[0].Banner)
	assert.Equal(t, "ssh", out.Ports[0].Service)

	assert.Equal(t, "PHP\x00/8", r.Headers["x-powered-by"], "input report is not mutated")
	assert.Equal(t, r.Namespaces(), out.Namespaces())

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `\u0000`)
}
