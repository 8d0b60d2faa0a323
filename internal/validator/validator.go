// Package validator checks that an assembled model reply follows the
// structured document format downstream consumers rely on: an optional
// summary, exactly one thinking section made of strictly numbered phase
// blocks, and a final section that ends with a machine-readable
// serp_queries footer.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of a structural validation pass. It is attached
// as read-only metadata to the terminal completed event and never treated
// as a delivery failure.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// Reason codes returned by Validate. The first violated rule wins.
const (
	ReasonOK = "ok"

	ReasonEmptyReply = "empty_reply"

	ReasonInvalidThinkingBlockCount = "invalid_thinking_block_count"
	ReasonInvalidThinkBlockCount    = "invalid_think_block_count"
	ReasonInvalidFinalBlockCount    = "invalid_final_block_count"
	ReasonInvalidSerpBlockCount     = "invalid_serp_block_count"
	ReasonInvalidThinkingOrder      = "invalid_thinking_order"
	ReasonInvalidFinalOrder         = "invalid_final_order"

	ReasonMissingPhase             = "missing_phase"
	ReasonPhaseIDNotStartFrom1     = "phase_id_not_start_from_1"
	ReasonPhaseIDNotStrictIncr     = "phase_id_not_strict_increment"
	ReasonPhaseBlockMismatch       = "phase_block_mismatch"
	ReasonInvalidTitleCountInPhase = "invalid_title_count_in_phase"

	ReasonMissingSerpQueriesBlock  = "missing_or_invalid_serp_queries_block"
	ReasonSerpQueriesJSONParse     = "serp_queries_json_parse_error"
	ReasonSerpQueriesNotArray      = "serp_queries_not_array"
	ReasonSerpQueriesTooMany       = "serp_queries_too_many"
	ReasonSerpQueriesNotDeduped    = "serp_queries_not_deduped"
	ReasonSerpQueriesItemNotString = "serp_queries_item_not_string"
	ReasonSerpQueriesItemTooLong   = "serp_queries_item_too_long"
)

const (
	maxSerpQueries      = 5
	maxSerpQueryLen     = 80
	unexpectedTagPrefix = "unexpected_tag:"
	invalidSeqPrefix    = "invalid_sequence_"
	tagSummary          = "summary"
	tagThinking         = "thinking"
	tagThink            = "think"
	tagPhase            = "phase"
	tagTitle            = "title"
	tagFinal            = "final"
	tagSerpQueries      = "serp_queries"
)

// allowedTags is the closed whitelist of element names. Anything else in
// the reply flips the result to unexpected_tag:<name>.
var allowedTags = map[string]struct{}{
	tagSummary:     {},
	tagThinking:    {},
	tagThink:       {},
	tagPhase:       {},
	tagTitle:       {},
	tagFinal:       {},
	tagSerpQueries: {},
}

var tagPattern = regexp.MustCompile(`<(/?)([a-zA-Z_][a-zA-Z0-9_]*)((?:\s[^<>]*)?)>`)
var phaseIDPattern = regexp.MustCompile(`\bid\s*=\s*"?(-?\d+)"?`)

type tagToken struct {
	name    string
	closing bool
	attrs   string
	start   int // byte offset of '<'
	end     int // byte offset just past '>'
}

func ok() Result                   { return Result{OK: true, Reason: ReasonOK} }
func fail(reason string) Result    { return Result{OK: false, Reason: reason} }
func unexpected(tag string) Result { return fail(unexpectedTagPrefix + tag) }

// Validate runs the full grammar check over the assembled reply. It is a
// pure function: no mutation, no side effects, same input same result.
func Validate(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fail(ReasonEmptyReply)
	}

	tokens := scanTags(trimmed)
	for _, tok := range tokens {
		if _, known := allowedTags[tok.name]; !known {
			return unexpected(tok.name)
		}
	}

	if r, bad := checkBlockCounts(tokens); bad {
		return r
	}

	thinkingTag := reasoningTagName(tokens)

	thinkingOpen, thinkingClose, r, bad := sectionSpan(tokens, thinkingTag)
	if bad {
		return r
	}
	finalOpen, finalClose, r, bad := sectionSpan(tokens, tagFinal)
	if bad {
		return r
	}

	if r, bad := checkTopLevelOrder(trimmed, tokens, thinkingOpen, thinkingClose, finalOpen); bad {
		return r
	}

	if r, bad := checkPhases(trimmed, tokens, thinkingOpen, thinkingClose); bad {
		return r
	}

	return checkFinalSection(trimmed, tokens, finalOpen, finalClose)
}

func scanTags(text string) []tagToken {
	matches := tagPattern.FindAllStringSubmatchIndex(text, -1)
	tokens := make([]tagToken, 0, len(matches))
	for _, m := range matches {
		tok := tagToken{
			closing: text[m[2]:m[3]] == "/",
			name:    text[m[4]:m[5]],
			start:   m[0],
			end:     m[1],
		}
		if m[6] >= 0 {
			tok.attrs = text[m[6]:m[7]]
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func countOpens(tokens []tagToken, name string) int {
	n := 0
	for _, tok := range tokens {
		if !tok.closing && tok.name == name {
			n++
		}
	}
	return n
}

// checkBlockCounts enforces the per-section cardinality rules before any
// positional checks run.
func checkBlockCounts(tokens []tagToken) (Result, bool) {
	thinkingCount := countOpens(tokens, tagThinking)
	thinkCount := countOpens(tokens, tagThink)
	if thinkingCount > 1 {
		return fail(ReasonInvalidThinkingBlockCount), true
	}
	if thinkCount > 1 {
		return fail(ReasonInvalidThinkBlockCount), true
	}
	// Exactly one reasoning section, written as either <thinking> or
	// <think>. Using both at once counts against the <think> alias.
	if thinkingCount+thinkCount == 0 {
		return fail(ReasonInvalidThinkingBlockCount), true
	}
	if thinkingCount+thinkCount > 1 {
		return fail(ReasonInvalidThinkBlockCount), true
	}
	if countOpens(tokens, tagFinal) != 1 {
		return fail(ReasonInvalidFinalBlockCount), true
	}
	if countOpens(tokens, tagSerpQueries) > 1 {
		return fail(ReasonInvalidSerpBlockCount), true
	}
	if countOpens(tokens, tagSummary) > 1 {
		return fail(invalidSeqPrefix + tagSummary), true
	}
	return Result{}, false
}

func reasoningTagName(tokens []tagToken) string {
	if countOpens(tokens, tagThink) == 1 {
		return tagThink
	}
	return tagThinking
}

// sectionSpan locates the single open/close pair for a section tag and
// reports a mismatch when the pair is broken.
func sectionSpan(tokens []tagToken, name string) (openIdx, closeIdx int, r Result, bad bool) {
	openIdx, closeIdx = -1, -1
	for i, tok := range tokens {
		if tok.name != name {
			continue
		}
		if !tok.closing {
			openIdx = i
		} else if closeIdx == -1 {
			closeIdx = i
		}
	}
	if openIdx == -1 || closeIdx == -1 || closeIdx < openIdx {
		return 0, 0, fail(invalidSeqPrefix + name), true
	}
	return openIdx, closeIdx, Result{}, false
}

// checkTopLevelOrder validates the summary? -> thinking -> final sequence
// and the "final must begin immediately after thinking" rule.
func checkTopLevelOrder(text string, tokens []tagToken, thinkingOpen, thinkingClose, finalOpen int) (Result, bool) {
	// Summary, when present, must fully precede the thinking section.
	for i, tok := range tokens {
		if tok.name != tagSummary {
			continue
		}
		if i > thinkingOpen {
			return fail(invalidSeqPrefix + tagSummary), true
		}
	}

	// The thinking section must sit entirely before the final section.
	if thinkingOpen > finalOpen || thinkingClose > finalOpen {
		return fail(ReasonInvalidThinkingOrder), true
	}

	// Nothing but whitespace is permitted between </thinking> and <final>.
	gap := text[tokens[thinkingClose].end:tokens[finalOpen].start]
	if strings.TrimSpace(gap) != "" {
		return fail(ReasonInvalidFinalOrder), true
	}
	return Result{}, false
}

// checkPhases walks the phase blocks inside the thinking section:
// ids must run 1,2,3,... and each phase carries exactly one title.
func checkPhases(text string, tokens []tagToken, thinkingOpen, thinkingClose int) (Result, bool) {
	type phase struct {
		id     int
		titles int
	}
	var phases []phase
	var current *phase
	for i := thinkingOpen + 1; i < thinkingClose; i++ {
		tok := tokens[i]
		switch tok.name {
		case tagPhase:
			if tok.closing {
				if current == nil {
					return fail(ReasonPhaseBlockMismatch), true
				}
				phases = append(phases, *current)
				current = nil
				continue
			}
			if current != nil {
				// nested or unterminated phase
				return fail(ReasonPhaseBlockMismatch), true
			}
			m := phaseIDPattern.FindStringSubmatch(tok.attrs)
			if m == nil {
				return fail(ReasonPhaseBlockMismatch), true
			}
			id, err := strconv.Atoi(m[1])
			if err != nil {
				return fail(ReasonPhaseBlockMismatch), true
			}
			current = &phase{id: id}
		case tagTitle:
			if current == nil {
				return fail(ReasonInvalidTitleCountInPhase), true
			}
			if !tok.closing {
				current.titles++
			}
		}
	}
	if current != nil {
		return fail(ReasonPhaseBlockMismatch), true
	}
	if len(phases) == 0 {
		return fail(ReasonMissingPhase), true
	}
	if phases[0].id != 1 {
		return fail(ReasonPhaseIDNotStartFrom1), true
	}
	for i, p := range phases {
		if p.id != i+1 {
			return fail(ReasonPhaseIDNotStrictIncr), true
		}
		if p.titles != 1 {
			return fail(ReasonInvalidTitleCountInPhase), true
		}
	}
	return Result{}, false
}

// checkFinalSection requires the final section content to end with one
// well-formed serp_queries footer.
func checkFinalSection(text string, tokens []tagToken, finalOpen, finalClose int) Result {
	serpOpen, serpClose := -1, -1
	for i := finalOpen + 1; i < finalClose; i++ {
		switch {
		case tokens[i].name == tagSerpQueries && !tokens[i].closing:
			serpOpen = i
		case tokens[i].name == tagSerpQueries && tokens[i].closing:
			serpClose = i
		}
	}
	if serpOpen == -1 || serpClose == -1 || serpClose < serpOpen {
		return fail(ReasonMissingSerpQueriesBlock)
	}
	// The footer must be the last thing inside the final section.
	tail := text[tokens[serpClose].end:tokens[finalClose].start]
	if strings.TrimSpace(tail) != "" {
		return fail(ReasonMissingSerpQueriesBlock)
	}

	payload := strings.TrimSpace(text[tokens[serpOpen].end:tokens[serpClose].start])
	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return fail(ReasonSerpQueriesJSONParse)
	}
	items, isArray := parsed.([]any)
	if !isArray {
		return fail(ReasonSerpQueriesNotArray)
	}
	if len(items) > maxSerpQueries {
		return fail(ReasonSerpQueriesTooMany)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, isString := item.(string)
		if !isString {
			return fail(ReasonSerpQueriesItemNotString)
		}
		if len([]rune(s)) > maxSerpQueryLen {
			return fail(ReasonSerpQueriesItemTooLong)
		}
		if _, dup := seen[s]; dup {
			return fail(ReasonSerpQueriesNotDeduped)
		}
		seen[s] = struct{}{}
	}
	return ok()
}

// UnexpectedTagReason formats the reason code for a disallowed element.
// Exposed for tests and for callers matching on the open-ended family.
func UnexpectedTagReason(tag string) string {
	return fmt.Sprintf("%s%s", unexpectedTagPrefix, tag)
}
