package vault

import (
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{secret:([a-zA-Z0-9_.-]+)\}\}`)
	// sv1 tokens embedded in free text. Raw url-safe base64, dot separated.
	cipherRe = regexp.MustCompile(`sv1\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
)

// Report enumerates unresolved references found during resolution.
type Report struct {
	MissingKeys        []string `json:"missing_keys"`
	InvalidCiphertexts []string `json:"invalid_ciphertexts"`
}

// Empty reports whether the text resolved without problems.
func (r Report) Empty() bool {
	return len(r.MissingKeys) == 0 && len(r.InvalidCiphertexts) == 0
}

// Resolve replaces {{secret:name}} placeholders with stored ciphertext and
// then decrypts every ciphertext token present in the text. Unknown
// placeholders and undecryptable tokens are left in place and reported.
func (v *Vault) Resolve(text string) (string, Report) {
	return v.resolve(text, true)
}

// InspectReferences returns the same report Resolve would produce without
// performing any substitution.
func (v *Vault) InspectReferences(text string) Report {
	_, report := v.resolve(text, false)
	return report
}

func (v *Vault) resolve(text string, substitute bool) (string, Report) {
	var report Report
	seen := map[string]bool{}

	withCiphers := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := NormalizeName(placeholderRe.FindStringSubmatch(m)[1])
		if name == "" {
			return m
		}
		token, err := v.GetCipher(name)
		if err != nil || token == "" {
			if !seen["missing:"+name] {
				seen["missing:"+name] = true
				report.MissingKeys = append(report.MissingKeys, name)
			}
			return m
		}
		return token
	})

	result := cipherRe.ReplaceAllStringFunc(withCiphers, func(token string) string {
		plain, ok := v.decryptAny(token)
		if !ok {
			if !seen["invalid:"+token] {
				seen["invalid:"+token] = true
				report.InvalidCiphertexts = append(report.InvalidCiphertexts, token)
			}
			return token
		}
		return plain
	})
	if !substitute {
		return text, report
	}
	return result, report
}

// decryptAny tries each stored name's AAD, then no AAD, so tokens pasted
// into chat resolve even when the name binding is unknown.
func (v *Vault) decryptAny(token string) (string, bool) {
	names, err := v.ListNames()
	if err == nil {
		for _, n := range names {
			stored, err := v.GetCipher(n)
			if err == nil && stored == token {
				if plain, ok := v.decrypt(token, aadFor(n)); ok {
					return string(plain), true
				}
			}
		}
	}
	if plain, ok := v.decrypt(token, nil); ok {
		return string(plain), true
	}
	return "", false
}

// MaskKnownSecrets redacts any stored plaintext of at least four characters
// appearing in the text. Applied to prompts before they reach a provider.
func (v *Vault) MaskKnownSecrets(text string) string {
	names, err := v.ListNames()
	if err != nil {
		return text
	}
	for _, n := range names {
		plain, err := v.Reveal(n)
		if err != nil || len(plain) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, plain, "[REDACTED:SECRET]")
	}
	return text
}
