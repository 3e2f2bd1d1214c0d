package common

import (
	"math/rand/v2"
	"path/filepath"
	"strings"
)

const suffixChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SuffixLength is the number of random characters appended on a name collision
const SuffixLength = 5

// BaseName strips every directory component from a declared filename.
// It returns "" for names that do not identify a file ("", ".", "..", "/").
func BaseName(name string) string {
	// accept both separators, the sender may not be on the same OS
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// RandomString returns n random alphanumeric characters
func RandomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixChars[rand.IntN(len(suffixChars))]
	}
	return string(b)
}

// WithRandomSuffix renames report.txt to report_XXXXX.txt, keeping the extension
func WithRandomSuffix(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfiles such as .bashrc have no stem, keep the whole name as one
		stem, ext = name, ""
	}
	return stem + "_" + RandomString(SuffixLength) + ext
}
