package engine

import "testing"

// TestBasicConditionEvaluator_Evaluate exercises the comparison grammar.
func TestBasicConditionEvaluator_Evaluate(t *testing.T) {
	eval := NewBasicConditionEvaluator()
	ctx := []byte(`{
		"amount": 150,
		"approved": true,
		"user": {"tier": "gold", "age": 30},
		"region": "eu",
		"items": [{"qty": 3}],
		"note": "",
		"missing": null
	}`)

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"number greater than", "amount > 100", true},
		{"number less than", "amount < 100", false},
		{"number gte boundary", "amount >= 150", true},
		{"number lte boundary", "amount <= 149", false},
		{"number equality", "amount == 150", true},
		{"number inequality", "amount != 150", false},
		{"nested path string equality", `user.tier == "gold"`, true},
		{"single quoted literal", `user.tier == 'gold'`, true},
		{"string inequality", `region != "us"`, true},
		{"boolean literal", "approved == true", true},
		{"boolean negated", "approved != true", false},
		{"array index path", "items.0.qty >= 2", true},
		{"null equality on null value", "missing == null", true},
		{"null equality on present value", "amount == null", false},
		{"null inequality", "user.tier != null", true},
		{"bare truthy bool", "approved", true},
		{"bare truthy string", "user.tier", true},
		{"bare empty string is falsy", "note", false},
		{"bare absent path is falsy", "nope", false},
		{"conjunction all true", `approved == true && amount > 100`, true},
		{"conjunction one false", `approved == true && amount > 1000`, false},
		{"disjunction second true", `region == "us" || region == "eu"`, true},
		{"disjunction none true", `region == "us" || region == "uk"`, false},
		{"and binds tighter than or", `region == "us" && amount > 0 || approved == true`, true},
		{"unquoted string literal", "region == eu", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eval.Evaluate(tc.expr, ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}

	t.Run("empty expression is an error", func(t *testing.T) {
		if _, err := eval.Evaluate("", ctx); err == nil {
			t.Error("expected error for empty expression")
		}
	})

	t.Run("ordering operator on string literal is an error", func(t *testing.T) {
		if _, err := eval.Evaluate(`user.tier > "gold"`, ctx); err == nil {
			t.Error("expected error for > on string literal")
		}
	})
}

// TestBasicConditionEvaluator_ValidateSyntax covers publish-time checks.
func TestBasicConditionEvaluator_ValidateSyntax(t *testing.T) {
	eval := NewBasicConditionEvaluator()

	valid := []string{
		"amount > 100",
		`user.tier == "gold"`,
		"approved",
		`a == 1 && b == 2 || c`,
	}
	for _, expr := range valid {
		if err := eval.ValidateSyntax(expr); err != nil {
			t.Errorf("ValidateSyntax(%q) unexpected error: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"a == 1 &&",
		"|| b == 2",
		"amount >",
	}
	for _, expr := range invalid {
		if err := eval.ValidateSyntax(expr); err == nil {
			t.Errorf("ValidateSyntax(%q) expected error", expr)
		}
	}
}
