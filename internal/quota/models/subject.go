package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SubjectIdentity identifies the customer a billable operation is about.
// Email is preferred for the dedup key; name is the fallback. Anonymous
// subjects (neither present) can never be deduplicated.
type SubjectIdentity struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Age      int    `json:"age,omitempty"`
	SkinType string `json:"skin_type,omitempty"`
}

// HasStableKey reports whether the subject carries an identifier stable enough
// to deduplicate on. Never guess identity.
func (s SubjectIdentity) HasStableKey() bool {
	return s.Email != "" || strings.TrimSpace(s.Name) != ""
}

// SubjectKey derives the dedup key for this subject within a tenant. Segments
// are sanitized so user-controlled identifiers cannot collide across tenants.
func (s SubjectIdentity) SubjectKey(tenantID string) string {
	identifier := strings.ToLower(s.Email)
	if identifier == "" {
		identifier = strings.ToLower(strings.Join(strings.Fields(s.Name), ""))
	}
	return SanitizeKeySegment(tenantID) + "_" + SanitizeKeySegment(identifier)
}

// Fingerprint returns a one-way SHA-256 hash over the subject's attributes.
// The hash protects personal data; it is stored instead of raw metrics.
func (s SubjectIdentity) Fingerprint() string {
	canonical := fmt.Sprintf("%s|%s|%d|%s",
		strings.ToLower(strings.TrimSpace(s.Name)),
		strings.ToLower(s.Email),
		s.Age,
		strings.ToLower(s.SkinType),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// SanitizeKeySegment escapes delimiter characters in cache key segments to
// prevent collisions where user-controlled identifiers containing '_' or ':'
// could alias another tenant's entries.
func SanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, "_", "-")
}
