package multiplexer

import (
	"fmt"
	"strings"

	"github.com/coworkhq/imgateway/pkg/agent"
	"github.com/coworkhq/imgateway/pkg/constants"
	"github.com/coworkhq/imgateway/pkg/media"
)

// confirmationPrompt builds the permission confirmation prompt (spec
// §4.1, §6): tool name and, for AskUserQuestion, the first question
// text; otherwise a default.
func confirmationPrompt(req agent.PermissionRequest) string {
	detail := firstQuestionText(req)
	if detail == "" {
		detail = "this action"
	}
	return fmt.Sprintf(
		"A safety-confirmation is required (tool: %s). Detail: %s. Please reply 允许/拒绝 within 60 seconds.",
		req.ToolName, detail,
	)
}

// firstQuestionText extracts the first question text from an
// AskUserQuestion-shaped toolInput (spec §4.1 step 5, §6).
func firstQuestionText(req agent.PermissionRequest) string {
	if !strings.EqualFold(req.ToolName, "AskUserQuestion") {
		return ""
	}
	questions, _ := req.ToolInput["questions"].([]any)
	if len(questions) == 0 {
		return ""
	}
	q, _ := questions[0].(map[string]any)
	text, _ := q["question"].(string)
	return text
}

// synthesizeAnswers builds PermissionResult.UpdatedInput.answers for an
// AskUserQuestion allow resolved via the IM text protocol: for each
// question, select the option whose label contains the canonical allow
// label, falling back to the first option (spec §4.1 step 5).
func synthesizeAnswers(req agent.PermissionRequest) map[string]any {
	questions, _ := req.ToolInput["questions"].([]any)
	answers := make([]any, 0, len(questions))
	for _, qv := range questions {
		q, _ := qv.(map[string]any)
		options, _ := q["options"].([]any)
		chosen := ""
		for _, ov := range options {
			o, _ := ov.(map[string]any)
			label, _ := o["label"].(string)
			if strings.Contains(label, constants.CanonicalAllowLabel) {
				chosen = label
				break
			}
		}
		if chosen == "" && len(options) > 0 {
			if o, ok := options[0].(map[string]any); ok {
				chosen, _ = o["label"].(string)
			}
		}
		answers = append(answers, chosen)
	}
	return map[string]any{"answers": answers}
}

const (
	reminderMessage = "A safety-confirmation is still pending. Please reply 允许/拒绝 within 60 seconds."
	expiredMessage  = "Confirmation expired, please resend the task."
	deniedMessage   = "Operation denied, task not continued."
	noReplyMessage  = "Done; the agent produced no reply."
)

// formatPrompt concatenates the raw text with the deterministic
// attachment block (spec §4.1 step 2).
func formatPrompt(text string, attachments []media.Attachment) string {
	block := media.FormatBlock(attachments)
	if block == "" {
		return text
	}
	return text + "\n" + block
}
