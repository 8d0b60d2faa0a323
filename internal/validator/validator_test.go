package validator

import (
	"strings"
	"testing"
)

func validDocument() string {
	return `<summary>short recap</summary>
<thinking>
<phase id="1"><title>title A</title>look at the question</phase>
<phase id="2"><title>title B</title>draft the answer</phase>
</thinking>
<final>
The answer body goes here.
<serp_queries>["query one", "query two"]</serp_queries>
</final>`
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	res := Validate(validDocument())
	if !res.OK {
		t.Fatalf("expected ok, got reason %q", res.Reason)
	}
	if res.Reason != ReasonOK {
		t.Fatalf("expected reason %q, got %q", ReasonOK, res.Reason)
	}
}

func TestValidateIsPure(t *testing.T) {
	doc := validDocument()
	first := Validate(doc)
	second := Validate(doc)
	if first != second {
		t.Fatalf("repeated validation diverged: %+v vs %+v", first, second)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		doc    string
		reason string
	}{
		{
			name:   "empty reply",
			doc:    "   \n\t ",
			reason: ReasonEmptyReply,
		},
		{
			name:   "unknown element",
			doc:    strings.Replace(validDocument(), "<summary>short recap</summary>", "<note>hm</note>", 1),
			reason: "unexpected_tag:note",
		},
		{
			name:   "missing thinking section",
			doc:    "<final>answer<serp_queries>[]</serp_queries></final>",
			reason: ReasonInvalidThinkingBlockCount,
		},
		{
			name: "two thinking sections",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidThinkingBlockCount,
		},
		{
			name: "think alias next to thinking",
			doc: `<think>raw</think><thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidThinkBlockCount,
		},
		{
			name:   "missing final section",
			doc:    `<thinking><phase id="1"><title>a</title></phase></thinking>`,
			reason: ReasonInvalidFinalBlockCount,
		},
		{
			name: "two serp blocks",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries><serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidSerpBlockCount,
		},
		{
			name: "summary after thinking",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<summary>late</summary>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: "invalid_sequence_summary",
		},
		{
			name: "thinking after final",
			doc: `<final>x<serp_queries>[]</serp_queries></final>
<thinking><phase id="1"><title>a</title></phase></thinking>`,
			reason: ReasonInvalidThinkingOrder,
		},
		{
			name: "content between thinking and final",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
stray prose
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidFinalOrder,
		},
		{
			name: "no phases",
			doc: `<thinking>free-form reasoning</thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonMissingPhase,
		},
		{
			name: "phase ids start at 2",
			doc: `<thinking><phase id="2"><title>a</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonPhaseIDNotStartFrom1,
		},
		{
			name: "phase id gap",
			doc: `<thinking><phase id="1"><title>a</title></phase><phase id="3"><title>b</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonPhaseIDNotStrictIncr,
		},
		{
			name: "phase id repeated",
			doc: `<thinking><phase id="1"><title>a</title></phase><phase id="1"><title>b</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonPhaseIDNotStrictIncr,
		},
		{
			name: "unterminated phase",
			doc: `<thinking><phase id="1"><title>a</title></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonPhaseBlockMismatch,
		},
		{
			name: "phase without title",
			doc: `<thinking><phase id="1">no title here</phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidTitleCountInPhase,
		},
		{
			name: "phase with two titles",
			doc: `<thinking><phase id="1"><title>a</title><title>b</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries></final>`,
			reason: ReasonInvalidTitleCountInPhase,
		},
		{
			name: "missing serp footer",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>answer without footer</final>`,
			reason: ReasonMissingSerpQueriesBlock,
		},
		{
			name: "text after serp footer",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>[]</serp_queries>trailing</final>`,
			reason: ReasonMissingSerpQueriesBlock,
		},
		{
			name: "footer not json",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>[not json</serp_queries></final>`,
			reason: ReasonSerpQueriesJSONParse,
		},
		{
			name: "footer not an array",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>{"q": 1}</serp_queries></final>`,
			reason: ReasonSerpQueriesNotArray,
		},
		{
			name: "footer with six entries",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>["a","b","c","d","e","f"]</serp_queries></final>`,
			reason: ReasonSerpQueriesTooMany,
		},
		{
			name: "footer with duplicate entries",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>["a","a"]</serp_queries></final>`,
			reason: ReasonSerpQueriesNotDeduped,
		},
		{
			name: "footer with non-string entry",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>["a", 2]</serp_queries></final>`,
			reason: ReasonSerpQueriesItemNotString,
		},
		{
			name: "footer entry too long",
			doc: `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>x<serp_queries>["` + strings.Repeat("q", 81) + `"]</serp_queries></final>`,
			reason: ReasonSerpQueriesItemTooLong,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.doc)
			if res.OK {
				t.Fatalf("expected rejection %q, got ok", tc.reason)
			}
			if res.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, res.Reason)
			}
		})
	}
}

func TestValidateThinkAliasAccepted(t *testing.T) {
	doc := `<think><phase id="1"><title>a</title></phase></think>
<final>answer<serp_queries>["q"]</serp_queries></final>`
	res := Validate(doc)
	if !res.OK {
		t.Fatalf("think alias should validate, got %q", res.Reason)
	}
}

func TestValidateEmptyFooterAllowed(t *testing.T) {
	doc := `<thinking><phase id="1"><title>a</title></phase></thinking>
<final>answer<serp_queries>[]</serp_queries></final>`
	if res := Validate(doc); !res.OK {
		t.Fatalf("empty footer array should validate, got %q", res.Reason)
	}
}
