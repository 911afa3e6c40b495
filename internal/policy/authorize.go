package policy

import "strings"

// CallPolicy decides which destination numbers the service may dial.
type CallPolicy struct {
	verified         map[string]struct{}
	allowAllUSCanada bool
}

func NewCallPolicy(verifiedNumbers []string, allowAllUSCanada bool) *CallPolicy {
	verified := make(map[string]struct{}, len(verifiedNumbers))
	for _, num := range verifiedNumbers {
		num = strings.TrimSpace(num)
		if num != "" {
			verified[num] = struct{}{}
		}
	}
	return &CallPolicy{verified: verified, allowAllUSCanada: allowAllUSCanada}
}

// Authorized reports whether phoneNumber may receive an outbound call.
func (p *CallPolicy) Authorized(phoneNumber string) bool {
	phoneNumber = strings.TrimSpace(phoneNumber)

	// Reserved test-range numbers are always allowed.
	if strings.HasPrefix(phoneNumber, "+1555") {
		return true
	}
	if _, ok := p.verified[phoneNumber]; ok {
		return true
	}
	if p.allowAllUSCanada {
		digits := digitsOf(phoneNumber)
		if strings.HasPrefix(digits, "1") && len(digits) == 11 {
			return true
		}
	}
	return false
}

// ValidNumber checks E.164 shape: leading plus, 10 to 15 digits.
func ValidNumber(phoneNumber string) bool {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if !strings.HasPrefix(phoneNumber, "+") {
		return false
	}
	digits := digitsOf(phoneNumber)
	if len(digits) < 10 || len(digits) > 15 {
		return false
	}
	// Nothing but formatting characters may appear after the plus.
	for _, r := range phoneNumber[1:] {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return true
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
