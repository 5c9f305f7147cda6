package postproc

import (
	_ "embed"
	"strings"
)

// Prompt templates are embedded so the binary has no working-directory
// dependency.
var (
	//go:embed prompts/post_process.md
	postProcessTemplate string
	//go:embed prompts/shorten.md
	shortenTemplate string
	//go:embed prompts/change_tone.md
	changeToneTemplate string
	//go:embed prompts/generate_reply.md
	generateReplyTemplate string
	//go:embed prompts/translate.md
	translateTemplate string
)

// BuildPrompt renders the template for a task.
func BuildPrompt(task Task) string {
	switch task.Kind {
	case TaskShorten:
		return strings.ReplaceAll(shortenTemplate, "{text}", task.Text)
	case TaskChangeTone:
		prompt := strings.ReplaceAll(changeToneTemplate, "{text}", task.Text)
		return strings.ReplaceAll(prompt, "{tone}", task.Tone)
	case TaskGenerateReply:
		return strings.ReplaceAll(generateReplyTemplate, "{context}", task.Text)
	case TaskTranslate:
		prompt := strings.ReplaceAll(translateTemplate, "{text}", task.Text)
		return strings.ReplaceAll(prompt, "{language}", task.Language)
	default:
		terms := "No custom terms defined."
		if len(task.DictionaryTerms) > 0 {
			terms = strings.Join(task.DictionaryTerms, ", ")
		}
		prompt := strings.ReplaceAll(postProcessTemplate, "{dictionary_terms}", terms)
		return strings.ReplaceAll(prompt, "{raw_text}", task.Text)
	}
}
