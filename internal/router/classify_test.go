package router

import "testing"

func TestClassifyEmptyQuery(t *testing.T) {
	c := Classify("")
	if c.Complexity != ComplexityLow {
		t.Errorf("complexity = %s, want low", c.Complexity)
	}
	if c.Intent != IntentGeneral {
		t.Errorf("intent = %s, want general", c.Intent)
	}
	if c.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", c.Confidence)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	q := "refactor the authentication module and migrate the database schema"
	a := Classify(q)
	b := Classify(q)
	if a.Complexity != b.Complexity || a.Intent != b.Intent || a.Confidence != b.Confidence {
		t.Fatalf("classification not deterministic: %+v vs %+v", a, b)
	}
}

func TestClassifyMatchedKeywordsStableOrder(t *testing.T) {
	q := "audit the sql schema code plan"
	first := Classify(q).MatchedKeywords
	for i := 0; i < 50; i++ {
		got := Classify(q).MatchedKeywords
		if len(got) != len(first) {
			t.Fatalf("run %d: %v vs %v", i, got, first)
		}
		for j := range got {
			if got[j] != first[j] {
				t.Fatalf("run %d: keyword order changed: %v vs %v", i, got, first)
			}
		}
	}
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Intent
	}{
		{"security", "check this endpoint for xss and csrf vulnerability issues", IntentSecurity},
		{"database", "write a sql query with a join across two table definitions", IntentDatabase},
		{"development", "fix the bug in this function and add a test", IntentDevelopment},
		{"planning", "draft a roadmap with milestone dates and scope estimate", IntentPlanning},
		{"general", "what is the weather like today", IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.query)
			if got.Intent != tt.want {
				t.Errorf("Classify(%q).Intent = %s, want %s", tt.query, got.Intent, tt.want)
			}
		})
	}
}

func TestClassifyIntentTieBreaksByPriority(t *testing.T) {
	// One security keyword and one database keyword: security wins the tie.
	c := Classify("audit the schema")
	if c.Intent != IntentSecurity {
		t.Errorf("intent = %s, want security on tie", c.Intent)
	}
}

func TestClassifyComplexityBuckets(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Complexity
	}{
		{"short chat", "hello there", ComplexityLow},
		{"five words", "please summarize this short paragraph", ComplexityLow},
		{
			"medium length",
			"explain how the request pipeline handles retries when a provider call fails",
			ComplexityMedium,
		},
		{
			"structural keywords",
			"migrate and refactor the distributed architecture end-to-end",
			ComplexityHigh,
		},
		{
			"long query",
			"walk me through every stage of the release process from branch cut " +
				"to production deploy including approvals rollbacks and the checks in between",
			ComplexityHigh,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.query)
			if got.Complexity != tt.want {
				t.Errorf("Classify(%q).Complexity = %s, want %s", tt.query, got.Complexity, tt.want)
			}
		})
	}
}

func TestClassifyCaseAndPunctuationInsensitive(t *testing.T) {
	a := Classify("Fix the BUG in this function!")
	b := Classify("fix the bug in this function")
	if a.Intent != b.Intent || a.Complexity != b.Complexity {
		t.Errorf("case/punctuation changed classification: %+v vs %+v", a, b)
	}
	if a.Intent != IntentDevelopment {
		t.Errorf("intent = %s, want development", a.Intent)
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	queries := []string{
		"", "hi", "fix bug debug compile implement test api library deploy build",
		"security vulnerability exploit injection xss csrf firewall audit encrypt tls",
	}
	for _, q := range queries {
		c := Classify(q)
		if c.Confidence < 0 || c.Confidence > 1 {
			t.Errorf("Classify(%q).Confidence = %v, out of [0,1]", q, c.Confidence)
		}
	}
}

func TestClassifyMatchedKeywordsReported(t *testing.T) {
	c := Classify("debug the sql migration")
	if len(c.MatchedKeywords) == 0 {
		t.Fatal("expected matched keywords")
	}
	found := map[string]bool{}
	for _, kw := range c.MatchedKeywords {
		found[kw] = true
	}
	for _, want := range []string{"debug", "sql", "migration"} {
		if !found[want] {
			t.Errorf("keyword %q not in matched set %v", want, c.MatchedKeywords)
		}
	}
}
