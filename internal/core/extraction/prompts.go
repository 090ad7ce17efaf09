package extraction

// Built-in prompt templates. Each receives one %s argument: the page text for
// extract, the concept list for relate. config [prompts] may replace them.
const defaultExtractPrompt = `Read this passage and pull out:

1. Concepts: key terms, topics or ideas (1-4 words each)
2. Claims: specific assertions the author makes (one sentence each)

For each concept give:
- name: short label (1-4 words)
- definition: one plain-language sentence
- prerequisites: other concepts a reader must understand first

For each claim give:
- statement: the claim in one sentence
- supports: names of the concepts it backs up

Return ONLY JSON in exactly this shape, no markdown:
{
  "concepts": [{"name": "...", "definition": "...", "prerequisites": ["..."]}],
  "claims": [{"statement": "...", "supports": ["..."]}]
}

If the passage has nothing worth extracting, return {"concepts": [], "claims": []}.

Passage:
---
%s
---`

const defaultRelatePrompt = `These concepts were extracted from one document:

%s

Find the pairs that are related. For each give:
- source: concept name
- target: concept name
- relation: "depends_on" (source needs target understood first) or "explains" (source clarifies target)

Return ONLY JSON:
{"relationships": [{"source": "...", "target": "...", "relation": "depends_on"}]}

If nothing is related, return {"relationships": []}.`
