package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// FormatForUser returns a user-facing message. With debug set it also
// prints the details and the underlying cause.
func FormatForUser(err error, debug bool) string {
	if err == nil {
		return ""
	}

	ae, ok := asTamizdat(err)
	if !ok {
		return "Error: " + err.Error() + "\n"
	}

	var sb strings.Builder
	sb.WriteString(FormatForCLI(err))
	if !debug {
		return sb.String()
	}

	keys := make([]string, 0, len(ae.Details))
	for k := range ae.Details {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s: %s\n", k, ae.Details[k])
	}
	if ae.Cause != nil {
		fmt.Fprintf(&sb, "  Cause: %v\n", ae.Cause)
	}
	fmt.Fprintf(&sb, "  Category: %s, severity: %s, retryable: %t\n", ae.Category, ae.Severity, ae.Retryable)
	return sb.String()
}

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ae, ok := asTamizdat(err)
	if !ok {
		// Wrap standard error
		ae = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder

	// Error message with code
	sb.WriteString(fmt.Sprintf("Error: %s\n", ae.Message))

	// Suggestion if available
	if ae.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ae.Suggestion))
	}

	// Code reference
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ae.Code))

	return sb.String()
}

// LogAttrs flattens err into slog attributes. Details are prefixed with
// "detail_" and sorted so log lines stay stable.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}

	ae, ok := asTamizdat(err)
	if !ok {
		return []slog.Attr{slog.String("error", err.Error())}
	}

	attrs := []slog.Attr{
		slog.String("error_code", ae.Code),
		slog.String("error", ae.Message),
		slog.String("category", string(ae.Category)),
		slog.Bool("retryable", ae.Retryable),
	}
	if ae.Cause != nil {
		attrs = append(attrs, slog.String("cause", ae.Cause.Error()))
	}
	keys := make([]string, 0, len(ae.Details))
	for k := range ae.Details {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String("detail_"+k, ae.Details[k]))
	}
	return attrs
}

// asTamizdat finds the first TamizdatError in the chain. Commands wrap
// store errors with fmt.Errorf, so a plain type assertion would miss them.
func asTamizdat(err error) (*TamizdatError, bool) {
	var te *TamizdatError
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}
