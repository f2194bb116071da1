package index

import (
	"testing"
	"time"
)

func TestParseDateRangePrecision(t *testing.T) {
	cases := []struct {
		in     string
		lo, hi string
	}{
		{"2024", "2024-01-01T00:00:00Z", "2025-01-01T00:00:00Z"},
		{"2024-03", "2024-03-01T00:00:00Z", "2024-04-01T00:00:00Z"},
		{"2024-03-05", "2024-03-05T00:00:00Z", "2024-03-06T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			lo, hi, err := ParseDateRange(tc.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			wantLo, _ := time.Parse(time.RFC3339, tc.lo)
			wantHi, _ := time.Parse(time.RFC3339, tc.hi)
			if !lo.Equal(wantLo) || !hi.Equal(wantHi) {
				t.Fatalf("range = [%v, %v), want [%v, %v)", lo, hi, wantLo, wantHi)
			}
		})
	}

	lo, hi, err := ParseDateRange("2024-03-05T10:30:00Z")
	if err != nil {
		t.Fatalf("instant: %v", err)
	}
	if hi.Sub(lo) != time.Nanosecond {
		t.Fatalf("instant width = %v", hi.Sub(lo))
	}

	for _, bad := range []string{"yesterday", "2024-13", "03/05/2024"} {
		if _, _, err := ParseDateRange(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestParseRefForms(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		typ  string
		id   string
		uri  string
	}{
		{"Patient/p1", true, "Patient", "p1", ""},
		{"urn:uuid:0c34ad7e-0f8d-4a53-9d5c-000000000001", true, "", "", "urn:uuid:0c34ad7e-0f8d-4a53-9d5c-000000000001"},
		{"https://example.org/fhir/Patient/p1", true, "Patient", "p1", "https://example.org/fhir/Patient/p1"},
		{"patient/p1", false, "", "", ""},
		{"Patient/", false, "", "", ""},
		{"Patient/a/b", false, "", "", ""},
		{"", false, "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ref, ok := ParseRef(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if ref.Type != tc.typ || ref.ID != tc.id || ref.URI != tc.uri {
				t.Fatalf("ref = %+v", ref)
			}
		})
	}

	if ref, _ := ParseRef("Patient/p1"); !ref.Local() {
		t.Error("relative ref should be local")
	}
	if ref, _ := ParseRef("urn:uuid:x"); !ref.Placeholder() {
		t.Error("urn:uuid ref should be a placeholder")
	}
}

func TestTokensFromValueForms(t *testing.T) {
	// Bare scalar.
	if tvs := tokensFromValue("final"); len(tvs) != 1 || tvs[0].Code != "final" {
		t.Fatalf("scalar tokens = %+v", tvs)
	}
	if tvs := tokensFromValue(true); len(tvs) != 1 || tvs[0].Code != "true" {
		t.Fatalf("bool tokens = %+v", tvs)
	}

	// CodeableConcept fans out per coding.
	cc := map[string]any{"coding": []any{
		map[string]any{"system": "http://loinc.org", "code": "8310-5"},
		map[string]any{"system": "http://snomed.info/sct", "code": "386725007"},
	}}
	tvs := tokensFromValue(cc)
	if len(tvs) != 2 || tvs[0].System != "http://loinc.org" || tvs[1].Code != "386725007" {
		t.Fatalf("concept tokens = %+v", tvs)
	}

	// Identifier carries system|value.
	ident := map[string]any{"system": "urn:mrn", "value": "12345"}
	tvs = tokensFromValue(ident)
	if len(tvs) != 1 || tvs[0].System != "urn:mrn" || tvs[0].Code != "12345" {
		t.Fatalf("identifier tokens = %+v", tvs)
	}
}
