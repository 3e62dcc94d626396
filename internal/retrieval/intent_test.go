package retrieval

import "testing"

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		query    string
		intent   string
		template string
	}{
		{"what is the exact token value", IntentFactual, TemplateFactual},
		{"explain everything about the auth overview", IntentExploratory, TemplateExploratory},
		{"when did we last rotate keys recently", IntentTemporal, TemplateTemporal},
		{"why did the outage happen, what was the cause and reason", IntentCausal, TemplateCausal},
		{"zzz qqq xxx", IntentFactual, TemplateFactual},
		{"kubernetes ingress annotation", IntentFactual, TemplateFactual},
		{"", IntentUnknown, TemplateDefault},
		{"昨天最近改了什么配置", IntentTemporal, TemplateTemporal},
		{"为什么部署失败 导致了什么", IntentCausal, TemplateCausal},
	}
	for _, tc := range cases {
		intent, template := ClassifyIntent(tc.query)
		if intent != tc.intent || template != tc.template {
			t.Errorf("ClassifyIntent(%q) = (%s, %s), expected (%s, %s)",
				tc.query, intent, template, tc.intent, tc.template)
		}
	}
}

func TestClassifyIntentTieIsUnknown(t *testing.T) {
	// One factual keyword and one causal keyword score equally.
	intent, template := ClassifyIntent("what cause")
	if intent != IntentUnknown || template != TemplateDefault {
		t.Errorf("Tie must resolve to unknown/default, got (%s, %s)", intent, template)
	}
}

func TestApplyIntentMultiplier(t *testing.T) {
	cases := []struct {
		intent     string
		multiplier int
		expected   int
	}{
		{IntentFactual, 4, 2},
		{IntentFactual, 1, 1},
		{IntentExploratory, 4, 6},
		{IntentExploratory, 8, 8},
		{IntentTemporal, 2, 5},
		{IntentCausal, 3, 8},
		{IntentUnknown, 4, 4},
	}
	for _, tc := range cases {
		if got := ApplyIntentMultiplier(tc.intent, tc.multiplier); got != tc.expected {
			t.Errorf("ApplyIntentMultiplier(%s, %d) = %d, expected %d",
				tc.intent, tc.multiplier, got, tc.expected)
		}
	}
}
