package configstore

import "testing"

// TestValidate_EnumPrefixMatch covers property 9: a unique prefix match is
// accepted and canonicalized to the full enum value.
func TestValidate_EnumPrefixMatch(t *testing.T) {
	p := *Lookup("endpoint")

	got, err := validate(p, "goog")
	if err != nil {
		t.Fatalf("expected prefix match to succeed: %v", err)
	}
	if got != "google" {
		t.Fatalf("expected canonicalized %q, got %q", "google", got)
	}
}

func TestValidate_EnumAmbiguousPrefixRejected(t *testing.T) {
	p := Param{Name: "x", Type: TypeText, Accepted: AcceptEnum, EnumValues: []string{"warn", "warnall", "block"}}

	if _, err := validate(p, "war"); err == nil {
		t.Fatal("expected ambiguous prefix to be rejected")
	}
}

func TestValidate_EnumNoMatchSuggestsClosest(t *testing.T) {
	p := *Lookup("token_limit_action")

	_, err := validate(p, "wrn")
	if err == nil {
		t.Fatal("expected no-match error")
	}
	iv, ok := err.(*ErrInvalidValue)
	if !ok {
		t.Fatalf("expected *ErrInvalidValue, got %T", err)
	}
	if iv.Suggestion != "warn" {
		t.Fatalf("expected suggestion %q, got %q", "warn", iv.Suggestion)
	}
}

// TestValidate_RangeRejectsOutOfBounds covers property 9's range case.
func TestValidate_RangeRejectsOutOfBounds(t *testing.T) {
	p := *Lookup("message_limit")

	if _, err := validate(p, "5000"); err == nil {
		t.Fatal("expected out-of-range value to be rejected")
	}
	if _, err := validate(p, "100"); err != nil {
		t.Fatalf("expected in-range value to be accepted: %v", err)
	}
}

// TestValidate_SteppedDecimalRange covers the supplemented frange-style
// validator: values must land on the declared step grid.
func TestValidate_SteppedDecimalRange(t *testing.T) {
	p := *Lookup("g_temperature")

	if _, err := validate(p, "0.5"); err != nil {
		t.Fatalf("expected 0.5 to be on-step: %v", err)
	}
	if _, err := validate(p, "0.505"); err == nil {
		t.Fatal("expected off-step decimal to be rejected")
	}
	if _, err := validate(p, "3.0"); err == nil {
		t.Fatal("expected out-of-range decimal to be rejected")
	}
}

func TestValidate_BooleanParsing(t *testing.T) {
	p := *Lookup("g_code_execution")

	got, err := validate(p, "1")
	if err != nil {
		t.Fatalf("expected boolean-ish '1' to parse: %v", err)
	}
	if got != "true" {
		t.Fatalf("expected canonical 'true', got %q", got)
	}

	if _, err := validate(p, "maybe"); err == nil {
		t.Fatal("expected invalid boolean to be rejected")
	}
}

func TestPresetsReferenceKnownParams(t *testing.T) {
	for name, preset := range Presets {
		for param := range preset.Values {
			if Lookup(param) == nil {
				t.Errorf("preset %s references unknown param %s", name, param)
			}
		}
	}
}

func TestSchemaDefaultsValidateAgainstThemselves(t *testing.T) {
	for _, p := range Schema {
		if p.Default == "" {
			continue // private free-text params (o_url, o_key) default to empty
		}
		if _, err := validate(p, p.Default); err != nil {
			t.Errorf("param %s: declared default %q fails its own validation: %v", p.Name, p.Default, err)
		}
	}
}
