package pipeline

import (
	"strings"

	"parla/postproc"
)

// DetectCommand inspects the committed transcript for a voice-command
// prefix and builds the matching processing task. Text without a prefix
// gets the default cleanup task. Detection happens exactly once per
// recording, on the full assembled transcript.
//
// Recognized prefixes:
//
//	"shorten this:" / "shorten:"          -> shorten
//	"make it formal:" / "formalize:"      -> change tone (formal)
//	"make it casual:" / "casualize:"      -> change tone (casual)
//	"reply to:" / "generate reply:"       -> generate reply
//	"translate to <language>:"            -> translate
func DetectCommand(text string, dictionaryTerms []string) (postproc.Task, string) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	strip := func(prefix string) string {
		return strings.TrimSpace(trimmed[len(prefix):])
	}

	for _, prefix := range []string{"shorten this:", "shorten:"} {
		if strings.HasPrefix(lower, prefix) {
			return postproc.Task{Kind: postproc.TaskShorten, Text: strip(prefix)}, "shorten"
		}
	}
	for _, prefix := range []string{"make it formal:", "formalize:"} {
		if strings.HasPrefix(lower, prefix) {
			return postproc.Task{Kind: postproc.TaskChangeTone, Text: strip(prefix), Tone: "formal"}, "formalize"
		}
	}
	for _, prefix := range []string{"make it casual:", "casualize:"} {
		if strings.HasPrefix(lower, prefix) {
			return postproc.Task{Kind: postproc.TaskChangeTone, Text: strip(prefix), Tone: "casual"}, "casualize"
		}
	}
	for _, prefix := range []string{"reply to:", "generate reply:"} {
		if strings.HasPrefix(lower, prefix) {
			return postproc.Task{Kind: postproc.TaskGenerateReply, Text: strip(prefix)}, "reply"
		}
	}
	if strings.HasPrefix(lower, "translate to ") {
		rest := trimmed[len("translate to "):]
		if colon := strings.Index(rest, ":"); colon >= 0 {
			language := strings.TrimSpace(rest[:colon])
			content := strings.TrimSpace(rest[colon+1:])
			return postproc.Task{Kind: postproc.TaskTranslate, Text: content, Language: language},
				"translate to " + language
		}
	}

	return postproc.Task{Kind: postproc.TaskPostProcess, Text: trimmed, DictionaryTerms: dictionaryTerms}, ""
}
