package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePrefer(t *testing.T) {
	tests := []struct {
		name      string
		values    []string
		want      preferences
		async     bool
		wantApply string
	}{
		{name: "none", want: preferences{}},
		{
			name:      "odata continue-on-error",
			values:    []string{"odata.continue-on-error"},
			want:      preferences{continueOnError: true, continueToken: PreferContinueOnError},
			wantApply: "odata.continue-on-error",
		},
		{
			name:      "case insensitive with value",
			values:    []string{"Continue-On-Error=TRUE"},
			want:      preferences{continueOnError: true, continueToken: PreferContinueOnErrorShort},
			wantApply: "continue-on-error",
		},
		{
			name:      "explicit false",
			values:    []string{`odata.continue-on-error="false"`},
			want:      preferences{continueToken: PreferContinueOnError},
			wantApply: "odata.continue-on-error=false",
		},
		{
			name:      "several headers and parameters",
			values:    []string{"return=minimal", "respond-async; wait=10, odata.continue-on-error"},
			want:      preferences{continueOnError: true, continueToken: PreferContinueOnError, respondAsync: true},
			async:     true,
			wantApply: "odata.continue-on-error, respond-async",
		},
		{
			name:   "async requested but not applied",
			values: []string{"respond-async"},
			want:   preferences{respondAsync: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.values {
				h.Add("Prefer", v)
			}
			got := parsePrefer(h)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantApply, got.applied(tt.async))
		})
	}
}
