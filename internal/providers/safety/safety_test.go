package safety

import (
	"context"
	"reflect"
	"testing"
)

func TestBlocklistCheck(t *testing.T) {
	gate := NewBlocklist([]string{"Gore", " weapon "}, []string{"scary"})

	cases := []struct {
		name     string
		text     string
		audience Audience
		safe     bool
		blocked  []string
	}{
		{name: "clean", text: "a friendly lighthouse", audience: AudienceGeneral, safe: true},
		{name: "general term", text: "Weapon on the table, gore!", audience: AudienceGeneral, blocked: []string{"gore", "weapon"}},
		{name: "kids term ignored for general", text: "a scary castle", audience: AudienceGeneral, safe: true},
		{name: "kids term for kids", text: "a scary castle", audience: AudienceKids, blocked: []string{"scary"}},
		{name: "substring is not a match", text: "weaponless knight", audience: AudienceGeneral, safe: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := gate.Check(context.Background(), tc.text, tc.audience)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if v.Safe != tc.safe {
				t.Fatalf("safe = %v, want %v", v.Safe, tc.safe)
			}
			if !tc.safe {
				if !reflect.DeepEqual(v.BlockedTerms, tc.blocked) {
					t.Fatalf("blocked = %v, want %v", v.BlockedTerms, tc.blocked)
				}
				if len(v.Suggestions) == 0 {
					t.Fatalf("expected a suggestion")
				}
			}
		})
	}
}
