package workflow

import (
	"context"
	"fmt"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/prompt"
)

// narrate drafts an answer from the retrieved context. A draft that fails
// to parse is not an adapter error; whether the adapter gave up after its
// reprompt or the output decodes to the wrong shape, it comes back as an
// invalid validation result suggesting a reparse, which spends one
// iteration.
func (e *Engine) narrate(ctx context.Context, query, summary, feedback string) (Draft, ValidationResult, error) {
	pr, err := e.prompts.Load(prompt.NarratorAgent, prompt.NarratorVersion)
	if err != nil {
		return Draft{}, ValidationResult{}, err
	}

	feedbackSection := ""
	if feedback != "" {
		feedbackSection = "\nPREVIOUS ATTEMPT FEEDBACK:\n" + feedback
	}

	out, err := e.lm.Generate(ctx,
		fmt.Sprintf(pr.Content, query, summary, feedbackSection),
		&llm.Schema{Name: "narration"},
		llm.Options{Temperature: llm.TempNarration},
	)
	if err != nil {
		if fault.IsKind(err, fault.MalformedOutput) {
			return Draft{}, ValidationResult{
				OK:          false,
				Suggestions: []string{"reparse"},
			}, nil
		}
		return Draft{}, ValidationResult{}, err
	}

	var draft Draft
	if err := jsonx.UnmarshalFromString(out, &draft); err != nil {
		return Draft{Text: out}, ValidationResult{
			OK:          false,
			Suggestions: []string{"reparse"},
		}, nil
	}
	return draft, ValidationResult{}, nil
}
