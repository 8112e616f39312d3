package coverage

import "strings"

// umlautTable is the fixed fold table used for policy-list matching.
// Callers rely on this exact mapping; it is part of the contract, not a
// performance trick. Folding is idempotent because every replacement
// maps into the unaccented ASCII range.
var umlautTable = map[rune]string{
	'ä': "a", 'Ä': "a",
	'ö': "o", 'Ö': "o",
	'ü': "u", 'Ü': "u",
	'ß': "ss",
	'á': "a", 'à': "a", 'â': "a", 'ã': "a", 'å': "a",
	'Á': "a", 'À': "a", 'Â': "a", 'Ã': "a", 'Å': "a",
	'é': "e", 'è': "e", 'ê': "e", 'ë': "e",
	'É': "e", 'È': "e", 'Ê': "e", 'Ë': "e",
	'í': "i", 'ì': "i", 'î': "i", 'ï': "i",
	'Í': "i", 'Ì': "i", 'Î': "i", 'Ï': "i",
	'ó': "o", 'ò': "o", 'ô': "o", 'õ': "o",
	'Ó': "o", 'Ò': "o", 'Ô': "o", 'Õ': "o",
	'ú': "u", 'ù': "u", 'û': "u",
	'Ú': "u", 'Ù': "u", 'Û': "u",
	'ç': "c", 'Ç': "c",
	'ñ': "n", 'Ñ': "n",
	'œ': "oe", 'Œ': "oe",
	'æ': "ae", 'Æ': "ae",
}

// NormalizeUmlauts lower-cases s and folds umlauts and common accented
// Latin characters to their ASCII base per umlautTable.
func NormalizeUmlauts(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if repl, ok := umlautTable[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
