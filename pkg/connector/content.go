// Copyright 2024-2026 Aiku AI

package connector

// ContentKind tags which shape an inbound message body had.
type ContentKind int

const (
	ContentUnsupported ContentKind = iota
	ContentText
	ContentExtendedText
	ContentImage
	ContentVideo
)

// String returns a short name for logging.
func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentExtendedText:
		return "extended_text"
	case ContentImage:
		return "image"
	case ContentVideo:
		return "video"
	default:
		return "unsupported"
	}
}

// UnsupportedText is the text used for content the bridge cannot read.
const UnsupportedText = "[Unsupported message type]"

// Content is the decoded body of an inbound message. Text holds the
// conversation text, the extended text, or the media caption depending on
// Kind. Type carries the raw message type name for unsupported content.
type Content struct {
	Kind ContentKind
	Text string
	Type string
}

// TextContent returns a plain conversation body.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// UnsupportedContent returns a body of a kind the bridge cannot read.
func UnsupportedContent(typ string) Content {
	return Content{Kind: ContentUnsupported, Type: typ}
}

// Classify extracts the usable text from a message body. An empty text or
// caption counts as unsupported, so callers never see an empty message.
func Classify(c Content) (string, bool) {
	switch c.Kind {
	case ContentText, ContentExtendedText, ContentImage, ContentVideo:
		if c.Text != "" {
			return c.Text, true
		}
	}
	return UnsupportedText, false
}
