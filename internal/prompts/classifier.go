package prompts

import "fmt"

// classifierTemplate is the one-shot prompt sent to a fast model when
// the regex cascade cannot place a message. The reply is parsed as a
// single word, so the instruction is blunt about it. The single format
// verb is the user message.
const classifierTemplate = `Classify this message into exactly one category:

routine - greetings, small talk, quick questions, simple requests
summarization - asking to summarize, recap, condense, or plan
reasoning - multi-step analysis, math, logic, comparisons, decisions
coding - code, scripts, debugging, technical configuration
safety - health, medical, legal, or financial advice
persona - roleplay, creative writing, tone or personality requests

Message: %s

Reply with one word only.`

// ClassificationPrompt returns the fully interpolated classification
// prompt for one user message.
func ClassificationPrompt(message string) string {
	return fmt.Sprintf(classifierTemplate, message)
}
