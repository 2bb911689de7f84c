// Package validator holds small composable checks for configuration
// structs. Each check returns nil or an error naming the offending field.
package validator

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

// All returns the first non-nil error.
func All(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

type Validatable interface {
	Validate() error
}

// Each validates every item, prefixing failures with the item index.
func Each[T Validatable](items []T) error {
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// Map applies f to every item with a description like "paths[2]".
func Map[T any](items []T, f func(T, string) error, description string) error {
	for i, item := range items {
		if err := f(item, fmt.Sprintf("%s[%d]", description, i)); err != nil {
			return err
		}
	}
	return nil
}

func NotEmpty(field, description string) error {
	if field == "" {
		return fmt.Errorf("%s must not be empty", description)
	}
	return nil
}

func NoDuplicates[T comparable](slice []T, description string) error {
	seen := make(map[T]struct{})
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("%s contains duplicate value: %v", description, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

func MatchesAllowed[T comparable](field T, allowed []T, description string) error {
	if !slices.Contains(allowed, field) {
		return fmt.Errorf("%s must be one of %v, got %v", description, allowed, field)
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Identifier checks that field can be used as a template or SQL name.
func Identifier(field, description string) error {
	if !identRe.MatchString(field) {
		return fmt.Errorf("%s must be an identifier, got %q", description, field)
	}
	return nil
}

// ExistingDir checks that path names a directory.
func ExistingDir(path, description string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", description, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", description, path)
	}
	return nil
}

// AtMostOne fails when more than one of the named options is set.
func AtMostOne(set map[string]bool) error {
	var names []string
	for name, ok := range set {
		if ok {
			names = append(names, name)
		}
	}
	if len(names) > 1 {
		slices.Sort(names)
		return fmt.Errorf("only one of %s may be set", strings.Join(names, ", "))
	}
	return nil
}
