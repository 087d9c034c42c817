// Package language normalizes BCP 47 language codes and names them for
// display.
package language

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrUnknownLanguage is returned for codes that do not name a language.
var ErrUnknownLanguage = errors.New("unknown language")

// Normalize returns the canonical form of code ("ES" -> "es",
// "pt_br" -> "pt-BR").
func Normalize(code string) (string, error) {
	tag, err := parse(code)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

// Name returns the English display name of code, or code itself when it
// cannot be parsed.
func Name(code string) string {
	tag, err := parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

func parse(code string) (language.Tag, error) {
	code = strings.ReplaceAll(strings.TrimSpace(code), "_", "-")
	if code == "" {
		return language.Und, fmt.Errorf("%w: empty code", ErrUnknownLanguage)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return language.Und, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	if base, conf := tag.Base(); conf == language.No || base.String() == "und" {
		return language.Und, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	return tag, nil
}
