// Package classifier recognizes sensitive field names and values. It drives field
// anonymization during syncs and scrubs secret-looking substrings from anything that is
// logged or stored.
package classifier

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind is the sensitive-data category of a field or value.
type Kind string

const (
	KindNone       Kind = ""
	KindEmail      Kind = "email"
	KindName       Kind = "name"
	KindPhone      Kind = "phone"
	KindSSN        Kind = "ssn"
	KindCreditCard Kind = "credit_card"
	KindAddress    Kind = "address"
	KindSecret     Kind = "secret"
)

type Validator func(match string) bool

type Rule struct {
	Name       string
	Kind       Kind
	Patterns   []*regexp.Regexp
	Validators []Validator
}

// Classifier matches whole field values against value rules.
type Classifier struct {
	rules []*Rule
}

func New() *Classifier {
	return &Classifier{rules: DefaultRules()}
}

func NewWithRules(rules []*Rule) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) AddRule(rule *Rule) {
	c.rules = append(c.rules, rule)
}

// ClassifyValue returns the kind of the first rule whose pattern matches the whole value.
func (c *Classifier) ClassifyValue(value string) Kind {
	value = strings.TrimSpace(value)
	if value == "" {
		return KindNone
	}
	for _, rule := range c.rules {
		for _, pattern := range rule.Patterns {
			if !pattern.MatchString(value) {
				continue
			}
			valid := true
			for _, validator := range rule.Validators {
				if !validator(value) {
					valid = false
					break
				}
			}
			if valid {
				return rule.Kind
			}
		}
	}
	return KindNone
}

// ClassifyField classifies a column by its name first and falls back to a sample value.
func (c *Classifier) ClassifyField(name string, sample interface{}) Kind {
	if kind := KindForFieldName(name); kind != KindNone {
		return kind
	}
	if s, ok := sample.(string); ok {
		return c.ClassifyValue(s)
	}
	return KindNone
}

var fieldNameKinds = []struct {
	kind    Kind
	needles []string
}{
	{KindSecret, []string{"password", "passwd", "secret", "token", "api_key", "apikey", "private_key", "credential"}},
	{KindEmail, []string{"email", "e_mail", "mail_address"}},
	{KindPhone, []string{"phone", "mobile", "msisdn", "fax"}},
	{KindSSN, []string{"ssn", "social_security", "national_id", "tax_id"}},
	{KindCreditCard, []string{"card_number", "credit_card", "cc_number", "pan"}},
	{KindAddress, []string{"address", "street", "postcode", "zip_code"}},
	{KindName, []string{"first_name", "last_name", "full_name", "display_name", "surname", "given_name"}},
}

// KindForFieldName classifies a column name. Matching is on snake_case tokens so that
// "pan" matches "card_pan" but not "company".
func KindForFieldName(name string) Kind {
	lower := strings.ToLower(toSnake(name))
	if lower == "name" {
		return KindName
	}
	for _, entry := range fieldNameKinds {
		for _, needle := range entry.needles {
			if containsToken(lower, needle) {
				return entry.kind
			}
		}
	}
	return KindNone
}

// IsSensitiveKey reports whether a payload key must never be stored in clear text.
func IsSensitiveKey(key string) bool {
	return KindForFieldName(key) == KindSecret || strings.Contains(strings.ToLower(key), "authorization")
}

func containsToken(snake, needle string) bool {
	if snake == needle {
		return true
	}
	return strings.HasPrefix(snake, needle+"_") ||
		strings.HasSuffix(snake, "_"+needle) ||
		strings.Contains(snake, "_"+needle+"_") ||
		(strings.Contains(needle, "_") && strings.Contains(snake, needle)) ||
		(len(needle) > 4 && strings.Contains(snake, needle))
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name: "EMAIL",
			Kind: KindEmail,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`),
			},
		},
		{
			Name: "SSN",
			Kind: KindSSN,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
				regexp.MustCompile(`^\d{3}\s\d{2}\s\d{4}$`),
			},
			Validators: []Validator{ValidateSSN},
		},
		{
			Name: "CREDIT_CARD",
			Kind: KindCreditCard,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{1,7}$`),
				regexp.MustCompile(`^3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}$`),
			},
			Validators: []Validator{ValidateLuhn},
		},
		{
			Name: "PHONE",
			Kind: KindPhone,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^\+?\d{1,3}?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}$`),
			},
		},
	}
}

func ValidateSSN(ssn string) bool {
	clean := strings.ReplaceAll(strings.ReplaceAll(ssn, "-", ""), " ", "")
	if len(clean) != 9 {
		return false
	}

	for _, c := range clean {
		if !unicode.IsDigit(c) {
			return false
		}
	}

	area := 0
	for i := 0; i < 3; i++ {
		area = area*10 + int(clean[i]-'0')
	}

	if area == 0 || area == 666 || area >= 900 {
		return false
	}

	group := int(clean[3]-'0')*10 + int(clean[4]-'0')
	if group == 0 {
		return false
	}

	serial := 0
	for i := 5; i < 9; i++ {
		serial = serial*10 + int(clean[i]-'0')
	}
	return serial != 0
}

func ValidateLuhn(number string) bool {
	var clean strings.Builder
	for _, c := range number {
		if unicode.IsDigit(c) {
			clean.WriteRune(c)
		}
	}
	digits := clean.String()

	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alternate := false

	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')

		if alternate {
			n *= 2
			if n > 9 {
				n = n%10 + 1
			}
		}

		sum += n
		alternate = !alternate
	}

	return sum%10 == 0
}
