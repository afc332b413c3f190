package policy

import "testing"

func TestCELRuleSetDeniesMatchingExpression(t *testing.T) {
	rs, err := NewCELRuleSet([]DenyRule{
		{Name: "no_banned_word", Reason: "banned word present", Expr: `content.contains("bannedword")`},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := rs.Eval("this content has bannedword in it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "no_banned_word" {
		t.Errorf("expected one hit for no_banned_word, got %v", hits)
	}
}

func TestCELRuleSetPassesWhenNoMatch(t *testing.T) {
	rs, err := NewCELRuleSet([]DenyRule{
		{Name: "no_banned_word", Reason: "banned word present", Expr: `content.contains("bannedword")`},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := rs.Eval("clean content")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %v", hits)
	}
}

func TestNewCELRuleSetRejectsMalformedExpression(t *testing.T) {
	_, err := NewCELRuleSet([]DenyRule{
		{Name: "broken", Reason: "n/a", Expr: `content.contains(`},
	})
	if err == nil {
		t.Error("expected an error for a malformed CEL expression")
	}
}

func TestCELRuleSetUsesLineCountAndHasTodoVariables(t *testing.T) {
	rs, err := NewCELRuleSet([]DenyRule{
		{Name: "too_long_with_todo", Reason: "long file still has a TODO", Expr: `line_count > 2 && has_todo`},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := rs.Eval("line one\nline two\nline three\n// TODO fix this\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected one hit, got %v", hits)
	}
}
