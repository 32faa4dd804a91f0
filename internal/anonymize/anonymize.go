// Package anonymize masks sensitive column values before rows leave a higher-trust
// environment. Every rule is deterministic: the same input always yields the same output.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/qualys/envdb/internal/classifier"
	"github.com/qualys/envdb/internal/models"
)

type RuleType string

const (
	RuleEmail   RuleType = "email"
	RuleName    RuleType = "name"
	RulePhone   RuleType = "phone"
	RuleHash    RuleType = "hash"
	RuleReplace RuleType = "replace"
	RuleRemove  RuleType = "remove"
)

type Rule struct {
	Type             RuleType    `json:"type" yaml:"type"`
	Replacement      interface{} `json:"replacement,omitempty" yaml:"replacement"`
	FormatPreserving bool        `json:"formatPreserving,omitempty" yaml:"format_preserving"`
}

// ParseRule reads the config shorthand: "email", "name", "phone", "phone:format",
// "hash", "remove", or "replace:<value>".
func ParseRule(s string) (Rule, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch RuleType(kind) {
	case RuleEmail, RuleName, RuleHash, RuleRemove:
		return Rule{Type: RuleType(kind)}, nil
	case RulePhone:
		return Rule{Type: RulePhone, FormatPreserving: arg == "format"}, nil
	case RuleReplace:
		return Rule{Type: RuleReplace, Replacement: arg}, nil
	}
	return Rule{}, fmt.Errorf("unknown anonymization rule %q", s)
}

// DefaultRules is the static table -> field map of known sensitive columns.
func DefaultRules() map[string]map[string]Rule {
	return map[string]map[string]Rule{
		"users": {
			"email":      {Type: RuleEmail},
			"name":       {Type: RuleName},
			"first_name": {Type: RuleName},
			"last_name":  {Type: RuleName},
			"phone":      {Type: RulePhone, FormatPreserving: true},
			"password":   {Type: RuleReplace, Replacement: "redacted"},
			"ssn":        {Type: RuleHash},
		},
		"customers": {
			"email":   {Type: RuleEmail},
			"name":    {Type: RuleName},
			"phone":   {Type: RulePhone, FormatPreserving: true},
			"address": {Type: RuleReplace, Replacement: "1 Example Street"},
		},
		"payments": {
			"card_number":   {Type: RuleHash},
			"billing_email": {Type: RuleEmail},
			"billing_name":  {Type: RuleName},
		},
		"sessions": {
			"token":      {Type: RuleRemove},
			"ip_address": {Type: RuleHash},
		},
	}
}

type Anonymizer struct {
	rules      map[string]map[string]Rule
	salt       string
	classifier *classifier.Classifier
}

func New(rules map[string]map[string]Rule, salt string) *Anonymizer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Anonymizer{rules: rules, salt: salt, classifier: classifier.New()}
}

// FromConfig starts from DefaultRules and applies configured per-table overrides.
func FromConfig(sensitive map[string]map[string]string, salt string) (*Anonymizer, error) {
	rules := DefaultRules()
	for table, fields := range sensitive {
		if rules[table] == nil {
			rules[table] = make(map[string]Rule)
		}
		for field, spec := range fields {
			rule, err := ParseRule(spec)
			if err != nil {
				return nil, fmt.Errorf("sensitive_fields.%s.%s: %w", table, field, err)
			}
			rules[table][field] = rule
		}
	}
	return New(rules, salt), nil
}

// IsSensitive reports whether table has statically mapped fields.
func (a *Anonymizer) IsSensitive(table string) bool {
	return len(a.rules[table]) > 0
}

// Apply returns an anonymized copy of row and the names of the fields it changed. With
// detect set, fields that are not mapped for table are classified by name and value.
func (a *Anonymizer) Apply(table string, row models.Row, detect bool) (models.Row, []string) {
	out := row.Clone()
	var fields []string
	mapped := a.rules[table]

	for field, value := range row {
		rule, ok := mapped[field]
		if !ok && detect {
			rule, ok = ruleForKind(a.classifier.ClassifyField(field, value))
		}
		if !ok {
			continue
		}
		out[field] = a.ApplyRule(rule, value)
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return out, fields
}

// Rows applies Apply to every row and returns the sorted union of changed fields.
func (a *Anonymizer) Rows(table string, rows []models.Row, detect bool) ([]models.Row, []string) {
	out := make([]models.Row, len(rows))
	seen := make(map[string]struct{})
	for i, row := range rows {
		var fields []string
		out[i], fields = a.Apply(table, row, detect)
		for _, f := range fields {
			seen[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return out, fields
}

func ruleForKind(kind classifier.Kind) (Rule, bool) {
	switch kind {
	case classifier.KindEmail:
		return Rule{Type: RuleEmail}, true
	case classifier.KindName:
		return Rule{Type: RuleName}, true
	case classifier.KindPhone:
		return Rule{Type: RulePhone, FormatPreserving: true}, true
	case classifier.KindSSN, classifier.KindCreditCard, classifier.KindAddress:
		return Rule{Type: RuleHash}, true
	case classifier.KindSecret:
		return Rule{Type: RuleRemove}, true
	}
	return Rule{}, false
}

// ApplyRule transforms one value. nil stays nil.
func (a *Anonymizer) ApplyRule(rule Rule, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	switch rule.Type {
	case RuleRemove:
		return nil
	case RuleReplace:
		if rule.Replacement == nil {
			return classifier.Redacted
		}
		return rule.Replacement
	}

	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	switch rule.Type {
	case RuleEmail:
		return MaskEmail(s)
	case RuleName:
		return MaskName(s)
	case RulePhone:
		return MaskPhone(s, rule.FormatPreserving)
	case RuleHash:
		return a.Hash(s)
	}
	return classifier.Redacted
}

// Hash is a salted, truncated SHA-256 hex digest.
func (a *Anonymizer) Hash(s string) string {
	sum := sha256.Sum256([]byte(a.salt + s))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskEmail keeps the first two characters of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return MaskName(email)
	}
	local, domain := []rune(email[:at]), email[at:]
	switch {
	case len(local) == 0:
		return email
	case len(local) == 1:
		return "*" + domain
	case len(local) == 2:
		return string(local[:1]) + "*" + domain
	}
	return string(local[:2]) + strings.Repeat("*", len(local)-2) + domain
}

// MaskName keeps the first letter of each word.
func MaskName(name string) string {
	var b strings.Builder
	start := true
	for _, r := range name {
		if unicode.IsSpace(r) || r == '-' {
			b.WriteRune(r)
			start = true
			continue
		}
		if start {
			b.WriteRune(r)
			start = false
			continue
		}
		b.WriteRune('*')
	}
	return b.String()
}

// MaskPhone keeps the first two and last two digits. With formatPreserving the
// non-digit characters stay in place; otherwise only the digits are returned.
func MaskPhone(phone string, formatPreserving bool) string {
	digits := 0
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits++
		}
	}

	var b strings.Builder
	i := 0
	for _, r := range phone {
		if !unicode.IsDigit(r) {
			if formatPreserving {
				b.WriteRune(r)
			}
			continue
		}
		if digits > 4 && (i < 2 || i >= digits-2) {
			b.WriteRune(r)
		} else {
			b.WriteRune('*')
		}
		i++
	}
	return b.String()
}
