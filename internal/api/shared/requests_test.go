package shared

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type sample struct {
	Type  string `json:"type"  validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    sample
		wantErr string
	}{
		{name: "valid", body: `{"type":"data_init","count":2}`, want: sample{Type: "data_init", Count: 2}},
		{name: "trailing comma", body: `{"type":"x",}`, wantErr: "invalid character"},
		{name: "empty body", body: "", wantErr: "EOF"},
		{name: "unknown field", body: `{"type":"x","extra":1}`, wantErr: "unknown field"},
		{name: "two objects", body: `{"type":"x"}{"type":"y"}`, wantErr: "single JSON object"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var got sample
			err := DecodeJSON(httptest.NewRecorder(), req, &got)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateRequest(&sample{Type: "x"}))

	err := ValidateRequest(&sample{Count: -1})
	var verrs validator.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
}
