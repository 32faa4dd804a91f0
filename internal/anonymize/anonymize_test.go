package anonymize

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/qualys/envdb/internal/models"
)

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"john@x.com":       "jo**@x.com",
		"ab@example.org":   "a*@example.org",
		"a@example.org":    "*@example.org",
		"jane.doe@corp.io": "ja******@corp.io",
		"not-an-email":     "n**-a*-e****",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskEmail(in), in)
	}
	assert.Regexp(t, regexp.MustCompile(`^jo\*+@x\.com$`), MaskEmail("john@x.com"))
}

func TestMaskName(t *testing.T) {
	assert.Equal(t, "J*** S****", MaskName("John Smith"))
	assert.Equal(t, "M***-A***", MaskName("Mary-Anne"))
	assert.Equal(t, "", MaskName(""))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+1 5** *** **67", MaskPhone("+1 555 123 4567", true))
	assert.Equal(t, "15*******67", MaskPhone("+1 555 123 4567", false))
	assert.Equal(t, "(55*) ***-**67", MaskPhone("(555) 123-4567", true))
	assert.Equal(t, "****", MaskPhone("1234", false))
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("replace:n/a")
	require.NoError(t, err)
	assert.Equal(t, Rule{Type: RuleReplace, Replacement: "n/a"}, r)

	r, err = ParseRule("phone:format")
	require.NoError(t, err)
	assert.True(t, r.FormatPreserving)

	_, err = ParseRule("shuffle")
	assert.Error(t, err)
}

func TestAnonymizer_ApplyMappedTable(t *testing.T) {
	a := New(nil, "salt")
	row := models.Row{"id": 7, "email": "john@x.com", "name": "John Smith", "password": "hunter2", "ssn": "123-45-6789"}

	out, fields := a.Apply("users", row, false)
	assert.Equal(t, []string{"email", "name", "password", "ssn"}, fields)
	assert.Equal(t, "jo**@x.com", out["email"])
	assert.Equal(t, "J*** S****", out["name"])
	assert.Equal(t, "redacted", out["password"])
	assert.Len(t, out["ssn"], 16)
	assert.Equal(t, 7, out["id"])
	assert.Equal(t, "john@x.com", row["email"], "input row is not modified")
}

func TestAnonymizer_DetectsUnmappedFields(t *testing.T) {
	a := New(nil, "")
	row := models.Row{"id": 1, "contact": "jane@corp.io", "api_token": "abc", "notes": "hello"}

	out, fields := a.Apply("orders", row, false)
	assert.Empty(t, fields)
	assert.Equal(t, row, out)

	out, fields = a.Apply("orders", row, true)
	assert.Equal(t, []string{"api_token", "contact"}, fields)
	assert.Equal(t, "ja**@corp.io", out["contact"])
	assert.Nil(t, out["api_token"])
	assert.Equal(t, "hello", out["notes"])
}

func TestAnonymizer_Rows(t *testing.T) {
	a := New(nil, "")
	rows := []models.Row{{"email": "a@x.com"}, {"phone": "555 123 4567"}, {"id": 3}}

	out, fields := a.Rows("customers", rows, false)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"email", "phone"}, fields)
	assert.Equal(t, "55* *** **67", out[1]["phone"])
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(map[string]map[string]string{
		"orders": {"shipping_address": "replace:hidden"},
		"users":  {"email": "hash"},
	}, "s")
	require.NoError(t, err)
	assert.True(t, a.IsSensitive("orders"))

	out, _ := a.Apply("users", models.Row{"email": "john@x.com"}, false)
	assert.Equal(t, a.Hash("john@x.com"), out["email"])

	_, err = FromConfig(map[string]map[string]string{"t": {"f": "scramble"}}, "")
	assert.Error(t, err)
}

func TestApplyRule_NilAndNonString(t *testing.T) {
	a := New(nil, "")
	assert.Nil(t, a.ApplyRule(Rule{Type: RuleEmail}, nil))
	assert.Equal(t, a.Hash("42"), a.ApplyRule(Rule{Type: RuleHash}, 42))
	assert.Equal(t, "[REDACTED]", a.ApplyRule(Rule{Type: RuleReplace}, "x"))
}

func TestAnonymization_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		salt := rapid.String().Draw(t, "salt")
		a := New(nil, salt)
		b := New(nil, salt)
		rule := rapid.SampledFrom([]Rule{
			{Type: RuleEmail}, {Type: RuleName}, {Type: RulePhone}, {Type: RulePhone, FormatPreserving: true},
			{Type: RuleHash}, {Type: RuleReplace, Replacement: "x"}, {Type: RuleRemove},
		}).Draw(t, "rule")
		value := rapid.String().Draw(t, "value")

		first := a.ApplyRule(rule, value)
		if second := a.ApplyRule(rule, value); first != second {
			t.Fatalf("rule %v not deterministic: %v != %v", rule, first, second)
		}
		if other := b.ApplyRule(rule, value); first != other {
			t.Fatalf("rule %v differs across instances: %v != %v", rule, first, other)
		}
	})
}

func TestMaskEmail_PreservesDomainAndMasksLocalPart(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		local := rapid.StringMatching(`[a-z0-9._]{1,20}`).Draw(t, "local")
		domain := rapid.StringMatching(`[a-z]{1,10}\.[a-z]{2,4}`).Draw(t, "domain")

		masked := MaskEmail(local + "@" + domain)
		maskedLocal, maskedDomain, ok := strings.Cut(masked, "@")
		if !ok || maskedDomain != domain {
			t.Fatalf("domain not preserved: %q", masked)
		}
		if len(maskedLocal) != len(local) {
			t.Fatalf("local part length changed: %q -> %q", local, maskedLocal)
		}
		if !strings.HasSuffix(maskedLocal, "*") {
			t.Fatalf("local part tail not masked: %q", maskedLocal)
		}
	})
}
