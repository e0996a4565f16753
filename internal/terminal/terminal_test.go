package terminal

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResize(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCols uint16
		wantRows uint16
		wantOK   bool
	}{
		{"valid resize", `{"type":"resize","cols":120,"rows":40}`, 120, 40, true},
		{"other json passes through", `{"type":"ping"}`, 0, 0, false},
		{"typed json-ish input", `{not json`, 0, 0, false},
		{"plain input", `ls -la`, 0, 0, false},
		{"empty", ``, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols, rows, ok := parseResize([]byte(tt.data))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCols, cols)
			assert.Equal(t, tt.wantRows, rows)
		})
	}
}

func TestWindowSize(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantCols uint16
		wantRows uint16
	}{
		{"defaults", "/rpc/terminal/dev", 80, 24},
		{"explicit", "/rpc/terminal/dev?cols=132&rows=50", 132, 50},
		{"partial", "/rpc/terminal/dev?cols=100", 100, 24},
		{"garbage ignored", "/rpc/terminal/dev?cols=abc&rows=-5", 80, 24},
		{"absurd clamped to default", "/rpc/terminal/dev?cols=100000", 80, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			cols, rows := windowSize(r)
			assert.Equal(t, tt.wantCols, cols)
			assert.Equal(t, tt.wantRows, rows)
		})
	}
}
