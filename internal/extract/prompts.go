package extract

import "fmt"

// MentionExtractionPrompt generates a strict JSON-only prompt for extracting
// entity mentions and their observed attribute values from a transcript.
// Small local models drift into markdown and prose unless the format is
// spelled out this aggressively.
func MentionExtractionPrompt(transcript string) string {
	return fmt.Sprintf(`TASK: Extract entity mentions and observed facts from a meeting transcript.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks. NO ARRAY - MUST BE OBJECT.

ENTITY TYPES (ONLY these 4):
- person: Individual human (attendee, owner, stakeholder)
- project: Named initiative or product
- feature: Component, capability, or workstream within a project
- other: Anything else worth tracking

REQUIRED JSON STRUCTURE:
Your response MUST start with { and end with }
Your response MUST have a "mentions" key with an array value
Each mention MUST have: name, type, attributes, evidence
"attributes" is an object of observed facts, e.g. {"status":"blocked","owner":"Bob"}
"evidence" is the exact transcript snippet supporting the facts
Mentions with no observed facts use an empty attributes object {}

Example structure (EXACT FORMAT REQUIRED):
{
  "mentions": [
    {"name":"Mobile App","type":"project","attributes":{"status":"blocked","blocker":"API rate limits"},"evidence":"the mobile app is blocked on API rate limits"},
    {"name":"Bob","type":"person","attributes":{},"evidence":"Bob will follow up"}
  ]
}

VALIDATION (STRICT):
1. Start with { - End with }
2. "mentions" key must be present
3. "mentions" value must be an array [...]
4. Each mention is an object with: name, type, attributes, evidence
5. No extra fields - only these 4 per mention
6. No null values
7. No trailing commas
8. Valid JSON syntax
9. Types EXACTLY: person|project|feature|other
10. Attribute values are plain strings

TRANSCRIPT:
%s

RESPOND WITH ONLY THIS JSON STRUCTURE (nothing else):
{"mentions":[{"name":"X","type":"project","attributes":{"status":"active"},"evidence":"..."}]}`, transcript)
}
