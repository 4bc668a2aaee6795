package policy

import "github.com/clawde-io/cortexd/internal/secret"

// ScannedOutput is a tool result after the output scanner has run.
type ScannedOutput struct {
	Text      string
	Redacted  bool
	Untrusted bool
}

// ScanOutput inspects a tool's raw result before it is displayed or stored:
// it redacts secrets using the same pattern set as the argument scanner,
// and labels results originating from an untrusted provider so downstream
// consumers can flag them visually.
func ScanOutput(raw string, fromUntrustedProvider bool) ScannedOutput {
	redactedText, changed := secret.Redact(raw)
	return ScannedOutput{
		Text:      redactedText,
		Redacted:  changed,
		Untrusted: fromUntrustedProvider,
	}
}
