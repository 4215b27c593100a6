package main

import (
	"errors"
	"testing"
)

func TestExpandRefs(t *testing.T) {
	secrets := map[string]string{
		"freenode": "hunter2",
		"oftc":     "s3cr3t",
	}
	lookup := func(name string) ([]byte, error) {
		value, ok := secrets[name]
		if !ok {
			return nil, errors.New("not found: " + name)
		}
		return []byte(value), nil
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"no reference", "plain text", "plain text", false},
		{"one reference", "identify ${sec.data.freenode}", "identify hunter2", false},
		{"two references", "${sec.data.freenode}/${sec.data.oftc}", "hunter2/s3cr3t", false},
		{"other variables kept", "${info:version} ${sec.data.oftc}", "${info:version} s3cr3t", false},
		{"unterminated", "x ${sec.data.freenode", "x ${sec.data.freenode", false},
		{"unknown", "${sec.data.nope}", "", true},
		{"empty name", "${sec.data.}", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := expandRefs(tc.in, lookup)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expandRefs(%q) expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandRefs(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("expandRefs(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExpandRefsWipesValues(t *testing.T) {
	var handed []byte
	_, err := expandRefs("${sec.data.x}", func(string) ([]byte, error) {
		handed = []byte("secret")
		return handed, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range handed {
		if b != 0 {
			t.Fatalf("value not wiped: %q", handed)
		}
	}
}
