package encryption

import (
	"sort"
	"strings"
)

var sensitivePatterns = []string{
	// health
	"health", "medical", "diagnosis", "prescription", "allergy", "medication",
	"symptom", "treatment", "condition", "disease", "illness",
	// financial
	"ssn", "tax", "salary", "income", "wage", "credit", "card", "bank", "account",
	// credentials
	"password", "secret", "token", "key", "auth", "credential",
	// personal
	"dob", "birthdate", "birth", "age", "address", "phone",
}

// DetectSensitiveFields suggests top-level fields whose names look sensitive.
// Advisory only: nothing is encrypted unless a route lists the field explicitly.
func DetectSensitiveFields(record Record) []string {
	var fields []string
	for name := range record {
		if name == EncryptedKey || name == EncryptedDEKKey {
			continue
		}
		if IsSensitiveName(name) {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// IsSensitiveName reports whether a field name matches one of the sensitive patterns.
func IsSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
