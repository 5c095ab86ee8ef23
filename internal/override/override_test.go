package override

import "testing"

func device(brand, model string) DeviceIdentity {
	return DeviceIdentity{
		Model:        model,
		Brand:        brand,
		Manufacturer: "Acme",
		Product:      "acme_one",
		Device:       "one",
		Board:        "sm1",
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	o := Overrides{
		AllowedBrands: []string{"HackerPhone"},
		DeniedBrands:  []string{"HackerPhone"},
	}
	result := Evaluate(device("HackerPhone", "X1"), o)
	if result.Outcome != OutcomeDeny {
		t.Fatalf("contradictory lists: got %s, want deny", result.Outcome)
	}
	if result.MatchedField != "brand" {
		t.Errorf("matched field = %q, want brand", result.MatchedField)
	}
}

func TestDeniedModel(t *testing.T) {
	o := Overrides{DeniedModels: []string{"X1"}}
	if r := Evaluate(device("Acme", "X1"), o); r.Outcome != OutcomeDeny {
		t.Errorf("denied model: got %s, want deny", r.Outcome)
	}
}

func TestAllowBypass(t *testing.T) {
	o := Overrides{AllowedManufacturers: []string{"Acme"}}
	r := Evaluate(device("Acme", "X1"), o)
	if r.Outcome != OutcomeBypass {
		t.Fatalf("allowed manufacturer: got %s, want bypass", r.Outcome)
	}
	if r.MatchedField != "manufacturer" || r.MatchedValue != "Acme" {
		t.Errorf("match detail = %s/%s", r.MatchedField, r.MatchedValue)
	}
}

func TestNoMatchContinues(t *testing.T) {
	o := Overrides{
		AllowedModels: []string{"OtherModel"},
		DeniedBrands:  []string{"OtherBrand"},
	}
	if r := Evaluate(device("Acme", "X1"), o); r.Outcome != OutcomeContinue {
		t.Errorf("no match: got %s, want continue", r.Outcome)
	}
}

func TestEmptyFieldsNeverMatch(t *testing.T) {
	o := Overrides{
		AllowedModels: []string{""},
		DeniedBrands:  []string{""},
	}
	id := DeviceIdentity{} // all fields empty
	if r := Evaluate(id, o); r.Outcome != OutcomeContinue {
		t.Errorf("empty fields matched empty entries: got %s, want continue", r.Outcome)
	}
}

func TestWhitespaceTrimmedBeforeMatch(t *testing.T) {
	o := Overrides{AllowedModels: []string{"  X1  "}}
	if r := Evaluate(device("Acme", "X1"), o); r.Outcome != OutcomeBypass {
		t.Errorf("whitespace entry: got %s, want bypass", r.Outcome)
	}
}

func TestEmptyOverrides(t *testing.T) {
	var o Overrides
	if !o.Empty() {
		t.Error("zero-value overrides should be empty")
	}
	if r := Evaluate(device("Acme", "X1"), o); r.Outcome != OutcomeContinue {
		t.Errorf("empty overrides: got %s, want continue", r.Outcome)
	}
}
