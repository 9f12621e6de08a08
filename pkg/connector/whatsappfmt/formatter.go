// Copyright 2024-2026 Aiku AI

// Package whatsappfmt converts markdown to WhatsApp message markup.
package whatsappfmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])\*([^*\s](?:[^*]*[^*\s])?)\*([^*\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(?:(\\w+)?\n)?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^(\s*)[-*+]\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
)

const (
	// boldMark stands in for WhatsApp's bold asterisk until italics are done.
	boldMark = "\x01"
	// Placeholders keep code content away from inline formatting.
	codeBlockMark = "\x00CODEBLOCK"
	inlineMark    = "\x00INLINE"
)

// Parse converts markdown text to WhatsApp formatting. Text without any
// markdown is returned unchanged.
func Parse(text string) string {
	if text == "" || !hasFormatting(text) {
		return text
	}

	// Step 1: Extract code blocks and inline code into placeholders.
	var blocks []string
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		content := strings.TrimSuffix(parts[2], "\n")
		idx := len(blocks)
		blocks = append(blocks, "```"+content+"```")
		return codeBlockMark + strconv.Itoa(idx) + "\x00"
	})
	var inline []string
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		idx := len(inline)
		inline = append(inline, match)
		return inlineMark + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: Line structure.
	lines := strings.Split(processed, "\n")
	for i, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			lines[i] = boldMark + stripEmphasis(m[2]) + boldMark
			continue
		}
		if m := ulRe.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + "- " + m[2]
			continue
		}
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			lines[i] = "> " + m[1]
		}
	}
	formatted := strings.Join(lines, "\n")

	// Step 3: Inline formatting.
	formatted = boldRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := boldRe.FindStringSubmatch(match)
		inner := parts[1]
		if inner == "" {
			inner = parts[2]
		}
		return boldMark + inner + boldMark
	})
	// Adjacent spans share a separator, so one pass leaves every other one.
	for {
		next := italicRe.ReplaceAllString(formatted, "${1}_${2}_${3}")
		if next == formatted {
			break
		}
		formatted = next
	}
	formatted = strikeRe.ReplaceAllString(formatted, "~$1~")
	formatted = strings.ReplaceAll(formatted, boldMark, "*")

	// Links: WhatsApp has no link markup, so show the URL after the text.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], strings.TrimSpace(parts[2])
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
			return label
		}
		if label == href {
			return href
		}
		return label + " (" + href + ")"
	})

	// Step 4: Restore code.
	for i, code := range inline {
		formatted = strings.Replace(formatted, inlineMark+strconv.Itoa(i)+"\x00", code, 1)
	}
	for i, block := range blocks {
		formatted = strings.Replace(formatted, codeBlockMark+strconv.Itoa(i)+"\x00", block, 1)
	}
	return formatted
}

func hasFormatting(text string) bool {
	if boldRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		italicRe.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if headingRe.MatchString(line) || ulRe.MatchString(line) {
			return true
		}
	}
	return false
}

// stripEmphasis removes bold markers inside headings, which are already bold.
func stripEmphasis(s string) string {
	return boldRe.ReplaceAllString(s, "$1$2")
}
