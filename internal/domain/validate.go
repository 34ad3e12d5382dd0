package domain

import (
	"regexp"
	"strings"
)

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]{2,31}$`)

// CanonicalUsername lowercases and validates a username.
func CanonicalUsername(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", NewError(CodeValidation, "username required")
	}

	var b strings.Builder
	b.Grow(len(input))
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if ch > 0x7f {
			return "", NewError(CodeValidation, "username must be ASCII")
		}
		if ch >= 'A' && ch <= 'Z' {
			ch = ch - 'A' + 'a'
		}
		b.WriteByte(ch)
	}

	canonical := b.String()
	if !usernamePattern.MatchString(canonical) {
		return "", NewError(CodeValidation, "username does not match required format")
	}
	return canonical, nil
}

// ValidateSignup checks a signup form before any store call. allowedDomain
// is a suffix such as "@s.amity.edu"; empty allows any address.
func ValidateSignup(email, username, allowedDomain string) (cleanEmail, cleanUsername string, err error) {
	cleanEmail = strings.TrimSpace(email)
	if cleanEmail == "" || !strings.Contains(cleanEmail, "@") {
		return "", "", NewError(CodeValidation, "email required")
	}
	if allowedDomain != "" && !strings.HasSuffix(strings.ToLower(cleanEmail), strings.ToLower(allowedDomain)) {
		return "", "", NewError(CodeValidation, "only "+allowedDomain+" emails allowed")
	}
	cleanUsername, err = CanonicalUsername(username)
	if err != nil {
		return "", "", err
	}
	return cleanEmail, cleanUsername, nil
}

// IsEmailIdentifier reports whether a login identifier is an email address
// rather than a username.
func IsEmailIdentifier(identifier string) bool {
	return strings.Contains(strings.TrimSpace(identifier), "@")
}

// ValidatePostDraft rejects a post with neither text nor image.
func ValidatePostDraft(text string, hasImage bool, t PostType) error {
	if !t.Valid() {
		return NewError(CodeValidation, "unknown post type "+string(t))
	}
	if strings.TrimSpace(text) == "" && !hasImage {
		return NewError(CodeValidation, "write something or add a photo")
	}
	return nil
}

// ValidateComment rejects an empty comment.
func ValidateComment(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewError(CodeValidation, "comment is empty")
	}
	return nil
}
