// Package coauthor extracts Co-authored-by trailers from merge request
// descriptions and tells AI assistants apart from human co-authors.
package coauthor

import (
	"regexp"
	"strings"
)

// Person is a co-author declared in a trailer line.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Classification is the result of scanning one description.
type Classification struct {
	// AICoAuthored is set when any trailer names an AI assistant.
	AICoAuthored bool

	// Humans lists the remaining co-authors, deduplicated by email.
	Humans []Person
}

// trailerRE matches "Co-authored-by: Name <email>" anywhere a line starts,
// allowing list or quote markers in front. Text after the closing bracket
// (e.g. a "Signed-off-by" on the same line) is ignored.
var trailerRE = regexp.MustCompile(`(?im)^[ \t>*-]*co-authored-by:[ \t]*([^<\r\n]*?)[ \t]*<([^>\r\n]*)>`)

var (
	assistantRE = regexp.MustCompile(`(?i)\b(copilot|chatgpt|openai|gpt-?\d*[a-z]*|gemini|codex|codeium|windsurf|tabnine|amazon q|codewhisperer|coderabbit)\b`)

	// Assistants sharing a common first name count only when named alone or
	// with a product suffix ("Claude Code", "cursor-agent", "Claude Opus 4").
	productNameRE = regexp.MustCompile(`(?i)^(claude|devin|cursor|sweep|aider)([ \t_-]+(code|agent|ai|bot|assistant|cli|integration|opus|sonnet|haiku|v?\d[\w.]*))*$`)

	automationRE = regexp.MustCompile(`(?i)(\[bot\]$|\bbot\b|\bdependabot\b|\brenovate\b|\bgithub-actions\b|\bgitlab-bot\b|\bsemantic-release\b)`)

	assistantDomains = []string{
		"anthropic.com",
		"openai.com",
		"cursor.com",
		"cursor.sh",
		"codeium.com",
		"devin.ai",
		"aider.chat",
	}
)

// Classify scans text for co-author trailers.
func Classify(text string) Classification {
	var result Classification
	seen := make(map[string]struct{})

	for _, m := range trailerRE.FindAllStringSubmatch(text, -1) {
		person := Person{
			Name:  strings.TrimSpace(m[1]),
			Email: strings.TrimSpace(m[2]),
		}

		if IsAssistant(person) {
			result.AICoAuthored = true
			continue
		}
		if isAutomation(person) {
			continue
		}

		key := strings.ToLower(person.Email)
		if key == "" {
			key = strings.ToLower(person.Name)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result.Humans = append(result.Humans, person)
	}

	return result
}

// IsAssistant reports whether p names a known AI coding assistant.
func IsAssistant(p Person) bool {
	if isAssistantName(p.Name) {
		return true
	}
	email := strings.ToLower(p.Email)
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain := email[at+1:]
		for _, d := range assistantDomains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				return true
			}
		}
		// GitHub noreply addresses carry the account name: 123+Copilot@users.noreply.github.com
		if strings.HasSuffix(domain, "noreply.github.com") {
			login := email[:at]
			if plus := strings.IndexByte(login, '+'); plus >= 0 {
				login = login[plus+1:]
			}
			if isAssistantName(strings.TrimSuffix(login, "[bot]")) {
				return true
			}
		}
	}
	return false
}

func isAssistantName(name string) bool {
	name = strings.TrimSpace(name)
	return assistantRE.MatchString(name) || productNameRE.MatchString(name)
}

func isAutomation(p Person) bool {
	return automationRE.MatchString(p.Name)
}
