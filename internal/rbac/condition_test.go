package rbac

import "testing"

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name   string
		cond   Condition
		userID string
		pctx   *Context
		want   bool
	}{
		{
			name:   "own matches owner",
			cond:   Condition{Type: ConditionOwn},
			userID: "u1",
			pctx:   &Context{ResourceOwner: "u1"},
			want:   true,
		},
		{
			name:   "own rejects foreign owner",
			cond:   Condition{Type: ConditionOwn},
			userID: "u1",
			pctx:   &Context{ResourceOwner: "u2"},
			want:   false,
		},
		{
			name:   "own rejects missing context",
			cond:   Condition{Type: ConditionOwn},
			userID: "u1",
			want:   false,
		},
		{
			name:   "team requires team scope",
			cond:   Condition{Type: ConditionTeam},
			userID: "u1",
			pctx:   &Context{TeamID: "team-1"},
			want:   true,
		},
		{
			name:   "team rejects empty scope",
			cond:   Condition{Type: ConditionTeam},
			userID: "u1",
			pctx:   &Context{},
			want:   false,
		},
		{
			name:   "equals on attribute",
			cond:   Condition{Type: ConditionCustom, Field: "env", Operator: OperatorEquals, Value: "prod"},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"env": "prod"}},
			want:   true,
		},
		{
			name:   "equals mismatch",
			cond:   Condition{Type: ConditionCustom, Field: "env", Operator: OperatorEquals, Value: "prod"},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"env": "staging"}},
			want:   false,
		},
		{
			name:   "contains on string slice",
			cond:   Condition{Type: ConditionCustom, Field: "tags", Operator: OperatorContains, Value: "finance"},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"tags": []string{"hr", "finance"}}},
			want:   true,
		},
		{
			name:   "in with any slice",
			cond:   Condition{Type: ConditionCustom, Field: "region", Operator: OperatorIn, Value: []any{"eu", "us"}},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"region": "eu"}},
			want:   true,
		},
		{
			name:   "in misses",
			cond:   Condition{Type: ConditionCustom, Field: "region", Operator: OperatorIn, Value: []any{"eu", "us"}},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"region": "ap"}},
			want:   false,
		},
		{
			name:   "missing attribute",
			cond:   Condition{Type: ConditionCustom, Field: "env", Operator: OperatorEquals, Value: "prod"},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{}},
			want:   false,
		},
		{
			name:   "unknown type denies",
			cond:   Condition{Type: ConditionType("mystery")},
			userID: "u1",
			pctx:   &Context{},
			want:   false,
		},
		{
			name:   "unknown operator denies",
			cond:   Condition{Type: ConditionCustom, Field: "env", Operator: "regex", Value: ".*"},
			userID: "u1",
			pctx:   &Context{Attributes: map[string]any{"env": "prod"}},
			want:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateCondition(tc.cond, tc.userID, tc.pctx); got != tc.want {
				t.Fatalf("evaluateCondition(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateExpression(t *testing.T) {
	pctx := &Context{
		TeamID:        "team-1",
		ResourceOwner: "u2",
		Attributes:    map[string]any{"clearance": 3},
	}

	cond := Condition{Type: ConditionCustom, Operator: OperatorExpr, Value: `clearance >= 2 && team == "team-1"`}
	if !evaluateCondition(cond, "u1", pctx) {
		t.Fatal("expected expression to grant")
	}

	cond.Value = `owner == user`
	if evaluateCondition(cond, "u1", pctx) {
		t.Fatal("expected ownership expression to deny")
	}

	// Broken or non-boolean expressions never grant.
	for _, source := range []string{`clearance +`, `clearance`, ``} {
		cond.Value = source
		if evaluateCondition(cond, "u1", pctx) {
			t.Fatalf("expression %q must deny", source)
		}
	}

	cond.Value = 42
	if evaluateCondition(cond, "u1", pctx) {
		t.Fatal("non-string expression value must deny")
	}
}
