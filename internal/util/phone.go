package util

import "strings"

// NormalizePhone strips the punctuation people type into phone numbers so "+1 (555) 010-2030"
// and "+15550102030" address the same SMS recipient.
// TODO: validate against E.164 with libphonenumber once contacts come from user input.
func NormalizePhone(p string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(p))
}
