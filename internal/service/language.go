package service

import "github.com/odvcencio/gotreesitter/grammars"

// detectLanguage names the grammar registered for filename's extension, or
// returns "" when none matches.
func detectLanguage(filename string) string {
	entry := grammars.DetectLanguage(filename)
	if entry == nil {
		return ""
	}
	return entry.Name
}

// LanguageInfo describes one grammar available for detection and diffing.
type LanguageInfo struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

func SupportedLanguages() []LanguageInfo {
	langs := grammars.AllLanguages()
	out := make([]LanguageInfo, len(langs))
	for i, l := range langs {
		out[i] = LanguageInfo{Name: l.Name, Extensions: l.Extensions}
	}
	return out
}
