// Package validation provides input validation for templates, schedules and
// notification destinations.
package validation

import (
	"errors"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrInputTooLong indicates input exceeds maximum length.
	ErrInputTooLong = errors.New("input exceeds maximum length")
	// ErrInputInvalid indicates input contains invalid characters.
	ErrInputInvalid = errors.New("input contains invalid characters")
)

const (
	MaxNameLength        = 128
	MaxDescriptionLength = 1024
	MaxJobNameLength     = 512
	MaxEnvLength         = 64
)

var (
	// Jenkins job segments; folders are joined with "/".
	jobSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]*$`)
	envName    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	paramKey   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
)

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// ValidateName validates a display name (template, destination).
func ValidateName(name string, maxLength int) error {
	if len(name) > maxLength {
		return ErrInputTooLong
	}
	if hasControl(name) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateDescription validates a description field. Newlines and tabs are allowed.
func ValidateDescription(desc string, maxLength int) error {
	if len(desc) > maxLength {
		return ErrInputTooLong
	}
	if strings.ContainsRune(desc, 0) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateJobName validates a Jenkins job path such as "folder/sub/job".
func ValidateJobName(job string) error {
	if len(job) > MaxJobNameLength {
		return ErrInputTooLong
	}
	for _, seg := range strings.Split(job, "/") {
		if seg == "." || seg == ".." || !jobSegment.MatchString(seg) {
			return ErrInputInvalid
		}
	}
	return nil
}

// ValidateEnv validates an environment name.
func ValidateEnv(env string) error {
	if len(env) > MaxEnvLength {
		return ErrInputTooLong
	}
	if !envName.MatchString(env) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateParamKey validates a build parameter name.
func ValidateParamKey(key string) error {
	if !paramKey.MatchString(key) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateHTTPURL requires an absolute http or https URL with a host.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInputInvalid
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInputInvalid
	}
	return nil
}

// ValidateEmail validates a single bare address.
func ValidateEmail(addr string) error {
	a, err := mail.ParseAddress(addr)
	if err != nil || a.Address != addr {
		return ErrInputInvalid
	}
	return nil
}
