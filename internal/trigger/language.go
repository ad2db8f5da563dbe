package trigger

// Language tags sent to the backend.
const (
	LangHindi   = "hi"
	LangEnglish = "en"
)

// DetectLanguage returns "hi" when text contains any Devanagari code point
// (U+0900–U+097F) and "en" otherwise. Script detection only: romanized Hindi
// is reported as "en".
func DetectLanguage(text string) string {
	for _, r := range text {
		if r >= 0x0900 && r <= 0x097F {
			return LangHindi
		}
	}
	return LangEnglish
}
