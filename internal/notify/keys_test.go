package notify

import "testing"

func TestAliasCanonical(t *testing.T) {
	t.Parallel()

	aliases := Aliases{
		"carrots":    "item:carrot",
		"all-seeds":  "category:seeds",
		"bad-target": "neither",
	}

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "canonical item passes through", key: "item:carrot", want: "item:carrot"},
		{name: "canonical category passes through", key: "category:seeds", want: "category:seeds"},
		{name: "alias resolves to item", key: "carrots", want: "item:carrot"},
		{name: "alias resolves to category", key: "all-seeds", want: "category:seeds"},
		{name: "alias to invalid form rejected", key: "bad-target", wantErr: true},
		{name: "unknown form rejected", key: "seeds", wantErr: true},
		{name: "empty item id rejected", key: "item:", wantErr: true},
		{name: "empty category rejected", key: "category:", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := aliases.Canonical(tc.key)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Canonical(%q) = %q, want error", tc.key, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Canonical(%q): %v", tc.key, err)
			}
			if got != tc.want {
				t.Fatalf("Canonical(%q) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}
