package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"info", LevelInfo, false},
		{"DEBUG", LevelDebug, false},
		{" trace ", LevelTrace, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasFmtVerb(t *testing.T) {
	assert.True(t, hasFmtVerb("value is %d"))
	assert.True(t, hasFmtVerb("%v"))
	assert.False(t, hasFmtVerb("100%% done"))
	assert.False(t, hasFmtVerb("plain message"))
}

func TestInitJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: LevelWarn, JSON: true, Output: &buf})
	defer Init(nil)

	L_info("hidden")
	L_warn("broker: connection lost", "attempt", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"msg":"broker: connection lost"`), out)
	assert.Contains(t, out, `"attempt":2`)

	buf.Reset()
	SetLevel(LevelDebug)
	L_debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestMessageForms(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: LevelInfo, JSON: true, Output: &buf})
	defer Init(nil)

	L_info("wabridge %s starting", "dev")
	L_info("outbound: delivery resolved", "deliveryTag", 7, "outcome", "acknowledged")

	out := buf.String()
	assert.Contains(t, out, `"msg":"wabridge dev starting"`)
	assert.Contains(t, out, `"msg":"outbound: delivery resolved"`)
	assert.Contains(t, out, `"deliveryTag":7`)
	assert.Contains(t, out, `"outcome":"acknowledged"`)
}
