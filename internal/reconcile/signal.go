package reconcile

import (
	"regexp"
	"strings"
	"time"

	"github.com/nexusflow/nexus/internal/platform"
)

// Signal is a structured completion signal parsed from an issue comment.
// CommentID is the platform-assigned comment id and serves as the dedup key
// during replay.
type Signal struct {
	CommentID         string            `json:"comment_id"`
	Author            string            `json:"author,omitempty"`
	CompletedAgent    string            `json:"completed_agent"`
	NextAgent         string            `json:"next_agent"`
	Verb              string            `json:"verb,omitempty"`
	StructuredOutputs map[string]string `json:"structured_outputs,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

var (
	// "## Implementation Complete — developer". Both em dash and hyphen
	// separators occur in the wild.
	headerRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s+Complete\s+[—–-]+\s+(\S+)\s*$`)

	// "Ready for **@Reviewer**"
	readyRe = regexp.MustCompile(`Ready for \*\*@([A-Za-z0-9_.-]+)\*\*`)

	// "key: value" lines feeding structured_outputs.
	kvRe = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 _-]*?)\s*:\s+(.+?)\s*$`)
)

// ParseSignal extracts a completion signal from one comment. Returns nil
// when the body is not a signal; malformed comments are never an error.
func ParseSignal(comment *platform.Comment) *Signal {
	if comment == nil || comment.Body == "" {
		return nil
	}

	sig := &Signal{
		CommentID: comment.ID,
		Author:    comment.Author,
		CreatedAt: comment.CreatedAt,
	}

	for _, line := range strings.Split(comment.Body, "\n") {
		line = strings.TrimRight(line, "\r")

		if sig.CompletedAgent == "" {
			if m := headerRe.FindStringSubmatch(line); m != nil {
				sig.Verb = m[1]
				sig.CompletedAgent = m[2]
				continue
			}
		}
		if sig.NextAgent == "" {
			if m := readyRe.FindStringSubmatch(line); m != nil {
				sig.NextAgent = m[1]
				continue
			}
		}
		if m := kvRe.FindStringSubmatch(line); m != nil {
			if sig.StructuredOutputs == nil {
				sig.StructuredOutputs = make(map[string]string)
			}
			key := strings.ToLower(strings.ReplaceAll(m[1], " ", "_"))
			sig.StructuredOutputs[key] = m[2]
		}
	}

	// A signal needs both the completion header and the handoff line.
	if sig.CompletedAgent == "" || sig.NextAgent == "" {
		return nil
	}
	return sig
}

// ParseSignals extracts signals from a comment stream, preserving
// chronological order.
func ParseSignals(comments []*platform.Comment) []*Signal {
	var signals []*Signal
	for _, c := range comments {
		if sig := ParseSignal(c); sig != nil {
			signals = append(signals, sig)
		}
	}
	return signals
}

// outputs converts a signal into the outputs map CompleteStepForIssue
// expects.
func (s *Signal) outputs() map[string]any {
	out := make(map[string]any, len(s.StructuredOutputs)+2)
	for k, v := range s.StructuredOutputs {
		out[k] = v
	}
	out["next_agent"] = s.NextAgent
	if _, ok := out["summary"]; !ok && s.Verb != "" {
		out["summary"] = s.Verb + " complete"
	}
	return out
}
