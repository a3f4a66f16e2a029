package prompt

// Built-in prompt versions shipped with the binary. New wording is published
// as a new version; existing versions are never edited.
const (
	ExtractorAgent    = "extractor"
	ExtractorVersion  = "1.0.0"
	NarratorAgent     = "narrator"
	NarratorVersion   = "1.0.0"
	ClaimJudgeAgent   = "claim-judge"
	ClaimJudgeVersion = "1.0.0"
	CoverageAgent     = "coverage-judge"
	CoverageVersion   = "1.0.0"
)

const extractorContent = `You are a lore archivist. Extract every entity and relationship from the text below.

Entity types (use exactly these): Faction, Character, Location, Resource, Event.
Relation labels should describe the connection in plain words (e.g. "controls", "allied with", "located in", "leads", "member of", "participated in").

Return a JSON object:
{
  "entities": [
    {"type": "Faction", "mentions": ["The Crimson Empire"], "attributes": {"name": "Crimson Empire", "alignment": "unknown"}, "confidence": 0.9}
  ],
  "relations": [
    {"from": "Crimson Empire", "to": "Ruby Mines", "label": "controls", "evidence": "quote from the text", "confidence": 0.85}
  ]
}

Rules:
- confidence is a number in [0,1]
- attributes always include "name"
- evidence quotes the source text verbatim
- return {"entities": [], "relations": []} if nothing can be extracted

TEXT:
%s`

const narratorContent = `You are the Narrator of a fictional world. Answer the question using ONLY the world context below. Never invent facts that are not in the context.

QUESTION:
%s

WORLD CONTEXT:
%s
%s
Return a JSON object:
{
  "text": "your narrative answer",
  "entities": [{"type": "Faction", "name": "...", "properties": {"name": "...", "alignment": "..."}}],
  "relationships": [{"from": "...", "type": "CONTROLS_RESOURCE", "to": "..."}],
  "confidence": 0.0,
  "reasoning": "one sentence on how the context supports the answer"
}`

const claimJudgeContent = `You are a strict fact checker. Break the RESPONSE into atomic claims and mark each claim grounded only if the CONTEXT supports it.

RESPONSE:
%s

CONTEXT:
%s

Return a JSON object:
{"claims": [{"claim": "...", "grounded": true}]}`

const coverageContent = `You are an evidence auditor. List the distinct evidence points present in the CONTEXT that are relevant to the QUERY, and mark each one covered if the RESPONSE addresses it.

QUERY:
%s

CONTEXT:
%s

RESPONSE:
%s

Return a JSON object:
{"evidence": [{"point": "...", "covered": true}]}`

// Builtin returns a registry pre-loaded with the shipped prompt versions.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(ExtractorAgent, ExtractorVersion, extractorContent)
	r.MustRegister(NarratorAgent, NarratorVersion, narratorContent)
	r.MustRegister(ClaimJudgeAgent, ClaimJudgeVersion, claimJudgeContent)
	r.MustRegister(CoverageAgent, CoverageVersion, coverageContent)
	return r
}
