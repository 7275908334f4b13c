package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/st7ma784/debtgraph/graph"
	"github.com/st7ma784/debtgraph/llm"
)

// entityAssistPrompt asks the backend for entities only; a focused atomic
// task that small models handle reliably.
const entityAssistPrompt = `You are an entity extraction engine for debt-advice documents.
Given the following paragraph, extract all entities.

ENTITY TYPES (use exactly these values):
- debt_type        : a category of debt (rent arrears, credit card debt, qualifying debt)
- obligation       : a duty the client or adviser must fulfil
- rule             : an eligibility or procedural rule (e.g. "dro eligibility")
- gate             : a logic condition grouping (all of / any of / none of)
- money_threshold  : a monetary limit (e.g. "no more than £50,000")
- creditor         : who is owed (bank, HMRC, local authority, landlord)
- repayment_term   : how repayment is structured
- legal_status     : an insolvency solution or status (DRO, IVA, bankruptcy)
- client_attribute : a fact about the client (disposable income, homeowner)
- person, organization, date, money, percent, location, duration : literal values

Return a JSON object with exactly one key:
  "entities" : array of {"text": string, "type": string, "confidence": number}

Rules:
- Entity text must be normalised to lowercase.
- Confidence is a float between 0.0 and 1.0.
- Only include entities clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

TEXT:
%s`

// relationshipAssistPrompt asks for relationships between known entities.
const relationshipAssistPrompt = `You are a relationship extraction engine for debt-advice documents.
Given the text and a list of known entities, extract relationships between them.

KNOWN ENTITIES:
%s

RELATION TYPES (use exactly these values):
is_a, part_of, synonymous, triggers, requires, blocks, follows,
affects_repayment, has_gate, contradicts, extends, applicable_to,
enables, restricts

Return a JSON object with exactly one key:
  "relationships" : array of {"source": string, "target": string, "relation_type": string, "confidence": number}

Rules:
- Source and target must be entity text values from the KNOWN ENTITIES list.
- Confidence is a float between 0.0 and 1.0.
- Only include relationships clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

TEXT:
%s`

type assistEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type assistRelationship struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	RelationType string  `json:"relation_type"`
	Confidence   float64 `json:"confidence"`
}

type assistResult struct {
	Entities      []assistEntity       `json:"entities"`
	Relationships []assistRelationship `json:"relationships"`
	paragraph     int
}

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in model output, tolerating fences and
// stray prose before or after it.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// assist runs the LLM pass over every paragraph and merges the results into
// the lexicon-built graph. Any backend failure aborts the whole extraction.
func (x *Extractor) assist(ctx context.Context, g *graph.Graph, paragraphs []string, source string) error {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, x.cfg.AssistConcurrency)
		results []assistResult
		errs    []error
	)

	for i, para := range paragraphs {
		wg.Add(1)
		go func(paragraph int, text string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("paragraph %d: %w", paragraph, ctx.Err()))
				mu.Unlock()
				return
			}

			paraCtx, cancel := context.WithTimeout(ctx, x.cfg.AssistTimeout)
			defer cancel()

			res, err := x.assistParagraph(paraCtx, text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("paragraph %d: %w", paragraph, err))
				return
			}
			res.paragraph = paragraph
			results = append(results, *res)
		}(i, para)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}

	for _, res := range results {
		x.mergeAssist(g, res, source)
	}
	return nil
}

// assistParagraph makes the two atomic backend calls for one paragraph.
func (x *Extractor) assistParagraph(ctx context.Context, text string) (*assistResult, error) {
	resp, err := x.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(entityAssistPrompt, text)}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("entity call: %w", err)
	}
	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing entity response: %w", err)
	}
	var result assistResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("unmarshalling entity response: %w", err)
	}

	if len(result.Entities) < 2 {
		return &result, nil
	}

	names := make([]string, 0, len(result.Entities))
	for _, e := range result.Entities {
		if n := normalize(e.Text); n != "" {
			names = append(names, n)
		}
	}
	namesJSON, _ := json.Marshal(names)

	resp, err = x.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(relationshipAssistPrompt, string(namesJSON), text)}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("relationship call: %w", err)
	}
	jsonStr, err = extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing relationship response: %w", err)
	}
	var rels assistResult
	if err := json.Unmarshal([]byte(jsonStr), &rels); err != nil {
		return nil, fmt.Errorf("unmarshalling relationship response: %w", err)
	}
	result.Relationships = rels.Relationships
	return &result, nil
}

// mergeAssist folds one paragraph's backend output into the graph. Values
// outside the closed vocabularies are skipped, not fatal: the backend
// completed, its output is just partially usable.
func (x *Extractor) mergeAssist(g *graph.Graph, res assistResult, source string) {
	nameToID := make(map[string]string, len(res.Entities))

	for _, ae := range res.Entities {
		text := normalize(ae.Text)
		etype := graph.NormalizeType(ae.Type)
		if text == "" || !graph.ValidEntityType(etype) {
			slog.Warn("extract: assist entity outside vocabulary", "text", ae.Text, "type", ae.Type)
			continue
		}
		conf := ae.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		id := entityID(etype, text)
		nameToID[text] = id
		prov := graph.Provenance{Source: source, Paragraph: res.paragraph}

		if existing, ok := g.Entities[id]; ok {
			if conf > existing.Confidence {
				existing.Confidence = conf
			}
			existing.Provenance = appendProvenance(existing.Provenance, prov)
			g.Entities[id] = existing
			continue
		}
		if err := g.AddEntity(graph.Entity{
			ID: id, Text: text, EntityType: etype,
			Confidence: conf, Source: source,
			Provenance: []graph.Provenance{prov},
		}); err != nil {
			slog.Warn("extract: skipping assist entity", "id", id, "error", err)
		}
	}

	for _, ar := range res.Relationships {
		srcID, okS := nameToID[normalize(ar.Source)]
		tgtID, okT := nameToID[normalize(ar.Target)]
		relType := graph.NormalizeType(ar.RelationType)
		if !okS || !okT || srcID == tgtID || !graph.ValidRelationType(relType) {
			continue
		}
		conf := ar.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		conf = math.Min(conf, math.Sqrt(g.Entities[srcID].Confidence*g.Entities[tgtID].Confidence))

		rel := graph.Relationship{
			ID:             "rel-" + srcID + "-" + relType + "-" + tgtID,
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			RelationType:   relType,
			Confidence:     conf,
		}
		if existing, ok := g.Relationships[rel.ID]; ok && existing.Confidence >= rel.Confidence {
			continue
		}
		if err := g.AddRelationship(rel); err != nil {
			slog.Warn("extract: skipping assist relationship", "id", rel.ID, "error", err)
		}
	}
}
