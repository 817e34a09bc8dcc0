package wake

import (
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    ContentRef
		wantErr bool
	}{
		{name: "id only", raw: `{"id":"42"}`, want: ContentRef{PostID: "42"}},
		{name: "id with title", raw: `{"id":"42","title":"hello"}`, want: ContentRef{PostID: "42", Title: "hello"}},
		{name: "extra fields tolerated", raw: `{"id":"42","unknown":true}`, want: ContentRef{PostID: "42"}},
		{name: "surrounding whitespace", raw: "  {\"id\":\"7\"}\n", want: ContentRef{PostID: "7"}},
		{name: "empty payload", raw: "", wantErr: true},
		{name: "not json", raw: "ping", wantErr: true},
		{name: "missing id", raw: `{"title":"no id"}`, wantErr: true},
		{name: "blank id", raw: `{"id":"  "}`, wantErr: true},
		{name: "wrong id type", raw: `{"id":42}`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q) succeeded, want error", tt.raw)
				}
				var de *DecodeError
				if !errors.As(err, &de) {
					t.Fatalf("error type = %T, want *DecodeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Decode(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}
