// Package extract turns marked-up advice text into typed entity/relationship
// graphs. Recognition is lexicon- and pattern-driven by default; an optional
// LLM assist pass (assist.go) augments it when a chat provider is configured.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/st7ma784/debtgraph/graph"
	"github.com/st7ma784/debtgraph/llm"
)

// Config controls extraction behaviour.
type Config struct {
	// MinConfidence is the floor below which entities are dropped entirely.
	// Entities are never emitted with confidence 0.
	MinConfidence float64

	// Window is the maximum number of characters between two entity mentions
	// for a connective between them to produce a relationship.
	Window int

	// AssistConcurrency bounds parallel LLM calls during assisted extraction.
	AssistConcurrency int

	// AssistTimeout caps a single paragraph's LLM call.
	AssistTimeout time.Duration
}

// Extractor converts text into a graph. A nil chat provider selects pure
// lexicon extraction; with a provider, the assist pass runs as well and a
// backend failure fails the whole extraction rather than shipping a partial
// graph.
type Extractor struct {
	cfg  Config
	chat llm.Provider
}

// New returns an Extractor. Zero-value config fields get defaults.
func New(cfg Config, chat llm.Provider) *Extractor {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.35
	}
	if cfg.Window <= 0 {
		cfg.Window = 280
	}
	if cfg.AssistConcurrency <= 0 {
		cfg.AssistConcurrency = 8
	}
	if cfg.AssistTimeout <= 0 {
		cfg.AssistTimeout = 60 * time.Second
	}
	return &Extractor{cfg: cfg, chat: chat}
}

// mention is an entity occurrence inside one paragraph.
type mention struct {
	text       string
	entityType string
	confidence float64
	pos        int
	properties map[string]any
}

// Extract turns a block of marked-up text into a graph. Empty or malformed
// input yields an empty graph and no error: "nothing found" is not a fault.
func (x *Extractor) Extract(ctx context.Context, markdown, sourceDocument string, gt graph.GraphType) (*graph.Graph, error) {
	g := graph.New(uuid.NewString(), gt, []string{sourceDocument})

	paragraphs := segment(markdown)
	if len(paragraphs) == 0 {
		return g, nil
	}

	start := time.Now()
	for i, para := range paragraphs {
		mentions := x.recognize(para, gt)
		mentions = dedupMentions(mentions)
		x.accumulate(g, mentions, sourceDocument, i)
		x.linkMentions(g, para, mentions, i)
	}

	if x.chat != nil {
		if err := x.assist(ctx, g, paragraphs, sourceDocument); err != nil {
			// Return-nothing policy: a backend timeout or error must not
			// produce a silently incomplete graph.
			return nil, fmt.Errorf("assisted extraction: %w", err)
		}
	}

	x.applyConfidenceFloor(g)

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("extracted graph failed validation: %w", err)
	}

	slog.Info("extract: complete",
		"source", sourceDocument,
		"graph_type", gt,
		"paragraphs", len(paragraphs),
		"entities", len(g.Entities),
		"relationships", len(g.Relationships),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return g, nil
}

// segment splits marked-up text into cleaned paragraphs. Headings, list
// markers, and emphasis are weak structural signal only; their markers are
// stripped before recognition.
func segment(markdown string) []string {
	raw := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n\n")
	var out []string
	for _, p := range raw {
		lines := strings.Split(p, "\n")
		for i, line := range lines {
			line = strings.TrimSpace(line)
			line = strings.TrimLeft(line, "#>")
			line = strings.TrimSpace(line)
			line = strings.TrimPrefix(line, "- ")
			line = strings.TrimPrefix(line, "* ")
			line = strings.ReplaceAll(line, "**", "")
			line = strings.ReplaceAll(line, "`", "")
			lines[i] = line
		}
		p = strings.TrimSpace(strings.Join(lines, " "))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// recognize finds typed entity mentions in one paragraph. The graph-type hint
// biases confidence: manuals favour rule/threshold/obligation mentions,
// client documents favour attribute/money/date mentions.
func (x *Extractor) recognize(para string, gt graph.GraphType) []mention {
	lower := strings.ToLower(para)
	var mentions []mention

	// Threshold phrases first: a money amount inside a threshold phrase
	// belongs to the threshold, not to a standalone money entity.
	var thresholdSpans [][2]int
	for _, m := range reThresholdMax.FindAllStringSubmatchIndex(para, -1) {
		full := para[m[0]:m[1]]
		if v, ok := parseAmount(para[m[4]:m[5]]); ok {
			thresholdSpans = append(thresholdSpans, [2]int{m[0], m[1]})
			mentions = append(mentions, mention{
				text: full, entityType: graph.EntityMoneyThreshold,
				confidence: 0.9, pos: m[0],
				properties: map[string]any{"max": v},
			})
		}
	}
	inThreshold := func(start, end int) bool {
		for _, s := range thresholdSpans {
			if start >= s[0] && end <= s[1] {
				return true
			}
		}
		return false
	}

	// "more than" also occurs inside max phrases ("no more than £50,000"),
	// so a min match contained in a max span is not a separate threshold.
	for _, m := range reThresholdMin.FindAllStringSubmatchIndex(para, -1) {
		if inThreshold(m[0], m[1]) {
			continue
		}
		full := para[m[0]:m[1]]
		if v, ok := parseAmount(para[m[4]:m[5]]); ok {
			thresholdSpans = append(thresholdSpans, [2]int{m[0], m[1]})
			mentions = append(mentions, mention{
				text: full, entityType: graph.EntityMoneyThreshold,
				confidence: 0.9, pos: m[0],
				properties: map[string]any{"min": v},
			})
		}
	}

	// Typed value patterns.
	for _, m := range reMoney.FindAllStringIndex(para, -1) {
		if inThreshold(m[0], m[1]) {
			continue
		}
		if v, ok := parseAmount(para[m[0]:m[1]]); ok {
			mentions = append(mentions, mention{
				text: para[m[0]:m[1]], entityType: graph.EntityMoney,
				confidence: 0.85, pos: m[0],
				properties: map[string]any{"value": v},
			})
		}
	}
	for _, m := range rePercent.FindAllStringIndex(para, -1) {
		v, ok := parseAmount(strings.TrimSuffix(strings.TrimSpace(para[m[0]:m[1]]), "%"))
		if !ok {
			continue
		}
		mentions = append(mentions, mention{
			text: para[m[0]:m[1]], entityType: graph.EntityPercent,
			confidence: 0.85, pos: m[0],
			properties: map[string]any{"value": v},
		})
	}
	for _, m := range reDate.FindAllStringIndex(para, -1) {
		props := map[string]any{}
		if d, ok := parseDate(para[m[0]:m[1]]); ok {
			props["date"] = d.Format("2006-01-02")
		}
		mentions = append(mentions, mention{
			text: para[m[0]:m[1]], entityType: graph.EntityDate,
			confidence: 0.8, pos: m[0], properties: props,
		})
	}
	for _, m := range reDuration.FindAllStringIndex(para, -1) {
		mentions = append(mentions, mention{
			text: para[m[0]:m[1]], entityType: graph.EntityDuration,
			confidence: 0.75, pos: m[0],
		})
	}

	// Lexicon phrases. Longer phrases shadow their substrings at the same
	// position (e.g. "council tax arrears" over "arrears").
	mentions = append(mentions, matchLexicon(para, lower)...)

	// Rule mentions.
	for _, m := range reEligibility.FindAllStringSubmatchIndex(para, -1) {
		subject := strings.TrimSpace(para[m[2]:m[3]])
		mentions = append(mentions, mention{
			text: subject + " eligibility", entityType: graph.EntityRule,
			confidence: 0.9, pos: m[0],
		})
	}
	for _, m := range reEligibleFor.FindAllStringSubmatchIndex(para, -1) {
		subject := strings.TrimSpace(para[m[2]:m[3]])
		if subject == "" {
			continue
		}
		mentions = append(mentions, mention{
			text: subject + " eligibility", entityType: graph.EntityRule,
			confidence: 0.8, pos: m[0],
		})
	}

	// Gate cues.
	for _, gc := range gateCues {
		if idx := strings.Index(lower, gc.phrase); idx >= 0 {
			mentions = append(mentions, mention{
				text: gc.phrase, entityType: graph.EntityGate,
				confidence: 0.85, pos: idx,
				properties: map[string]any{"gate": string(gc.gate)},
			})
		}
	}

	// Graph-type bias: nudge the favoured classes, capped below 1.
	for i := range mentions {
		if favoured(mentions[i].entityType, gt) {
			mentions[i].confidence = math.Min(0.98, mentions[i].confidence+0.05)
		}
	}

	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].pos < mentions[j].pos })
	return foldThresholdSubjects(para, mentions)
}

// foldThresholdSubjects merges an attribute mention into the threshold phrase
// that bounds it, so "total debt of no more than £50,000" reads as a single
// requirement rather than an attribute plus a separate limit.
func foldThresholdSubjects(para string, mentions []mention) []mention {
	drop := make(map[int]bool)
	for ti := range mentions {
		t := &mentions[ti]
		if t.entityType != graph.EntityMoneyThreshold {
			continue
		}
		for si, s := range mentions {
			if si == ti || drop[si] {
				continue
			}
			if s.entityType != graph.EntityClientAttr && s.entityType != graph.EntityDebtType {
				continue
			}
			end := s.pos + len(s.text)
			if end > t.pos || !reSubjectGlue.MatchString(para[end:t.pos]) {
				continue
			}
			t.text = para[s.pos : t.pos+len(t.text)]
			t.pos = s.pos
			drop[si] = true
			break
		}
	}
	if len(drop) == 0 {
		return mentions
	}
	out := mentions[:0]
	for i, m := range mentions {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}

func favoured(entityType string, gt graph.GraphType) bool {
	switch gt {
	case graph.GraphManual:
		switch entityType {
		case graph.EntityRule, graph.EntityMoneyThreshold, graph.EntityObligation,
			graph.EntityGate, graph.EntityLegalStatus:
			return true
		}
	case graph.GraphClient:
		switch entityType {
		case graph.EntityClientAttr, graph.EntityMoney, graph.EntityDate,
			graph.EntityDuration, graph.EntityPercent:
			return true
		}
	}
	return false
}

// matchLexicon scans for lexicon phrases. A phrase is skipped when a longer
// phrase already matched at an overlapping position.
func matchLexicon(para, lower string) []mention {
	byLength := make([]lexiconEntry, len(phraseLexicon))
	copy(byLength, phraseLexicon)
	sort.SliceStable(byLength, func(i, j int) bool {
		return len(byLength[i].phrase) > len(byLength[j].phrase)
	})

	var mentions []mention
	var taken [][2]int
	overlaps := func(start, end int) bool {
		for _, t := range taken {
			if start < t[1] && end > t[0] {
				return true
			}
		}
		return false
	}

	for _, entry := range byLength {
		from := 0
		for {
			idx := strings.Index(lower[from:], entry.phrase)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(entry.phrase)
			from = end
			if !wordBounded(lower, start, end) || overlaps(start, end) {
				continue
			}
			taken = append(taken, [2]int{start, end})
			mentions = append(mentions, mention{
				text:       para[start:end],
				entityType: entry.entityType,
				confidence: entry.confidence,
				pos:        start,
			})
		}
	}
	return mentions
}

// wordBounded reports whether s[start:end] sits on word boundaries.
func wordBounded(s string, start, end int) bool {
	isWord := func(b byte) bool {
		return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
	}
	if start > 0 && isWord(s[start-1]) {
		return false
	}
	if end < len(s) && isWord(s[end]) {
		return false
	}
	return true
}

// dedupMentions merges mentions with the same normalized text and type:
// keep maximum confidence, earliest position, merged properties.
func dedupMentions(mentions []mention) []mention {
	type key struct{ text, entityType string }
	seen := make(map[key]int)
	var out []mention
	for _, m := range mentions {
		k := key{normalize(m.text), m.entityType}
		if i, ok := seen[k]; ok {
			if m.confidence > out[i].confidence {
				out[i].confidence = m.confidence
			}
			if out[i].properties == nil {
				out[i].properties = m.properties
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, m)
	}
	return out
}

// entityID builds the deterministic id for a mention.
func entityID(entityType, text string) string {
	return entityType + "-" + slug(text)
}

// accumulate merges the paragraph's mentions into the graph. An entity seen
// in several paragraphs keeps its maximum confidence and unions provenance.
func (x *Extractor) accumulate(g *graph.Graph, mentions []mention, source string, paragraph int) {
	for _, m := range mentions {
		id := entityID(m.entityType, m.text)
		prov := graph.Provenance{Source: source, Paragraph: paragraph}

		if existing, ok := g.Entities[id]; ok {
			if m.confidence > existing.Confidence {
				existing.Confidence = m.confidence
			}
			existing.Provenance = appendProvenance(existing.Provenance, prov)
			if existing.Properties == nil && m.properties != nil {
				existing.Properties = m.properties
			}
			g.Entities[id] = existing
			continue
		}

		e := graph.Entity{
			ID:         id,
			Text:       normalize(m.text),
			EntityType: m.entityType,
			Confidence: m.confidence,
			Source:     source,
			Provenance: []graph.Provenance{prov},
			Properties: m.properties,
		}
		if err := g.AddEntity(e); err != nil {
			slog.Warn("extract: skipping invalid entity", "id", id, "error", err)
		}
	}
}

func appendProvenance(list []graph.Provenance, p graph.Provenance) []graph.Provenance {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}

// linkMentions scans each ordered mention pair within the window for a
// connective phrase and adds the mapped relationship. Relationship confidence
// is the connective's lexical strength damped by both entity confidences.
func (x *Extractor) linkMentions(g *graph.Graph, para string, mentions []mention, paragraph int) {
	temporal := paragraphTemporal(para)
	gate := paragraphGate(mentions)

	for i := 0; i < len(mentions); i++ {
		for j := i + 1; j < len(mentions); j++ {
			a, b := mentions[i], mentions[j]
			gap := b.pos - (a.pos + len(a.text))
			if gap < 0 || gap > x.cfg.Window {
				continue
			}
			between := strings.ToLower(para[a.pos+len(a.text) : b.pos])
			if crossesSentence(between) {
				continue
			}

			conn, ok := findConnective(between)
			if !ok {
				continue
			}

			src, tgt := a, b
			relType := conn.relationType
			// "X requires Y" reads source-requires-target left to right, but
			// rule mentions are requirement owners regardless of position:
			// "to be eligible for a DRO you need ..." puts the rule first.
			if relType == graph.RelRequires && tgt.entityType == graph.EntityRule {
				src, tgt = tgt, src
			}

			srcID := entityID(src.entityType, src.text)
			tgtID := entityID(tgt.entityType, tgt.text)
			if srcID == tgtID {
				continue
			}

			rel := graph.Relationship{
				ID:             "rel-" + srcID + "-" + relType + "-" + tgtID,
				SourceEntityID: srcID,
				TargetEntityID: tgtID,
				RelationType:   relType,
				Confidence:     conn.strength * math.Sqrt(src.confidence*tgt.confidence),
			}
			if m := reCondition.FindStringSubmatch(between); m != nil {
				rel.Condition = strings.TrimSpace(m[1])
			}
			if temporal != nil || gate != "" {
				t := graph.Temporal{LogicGate: gate}
				if temporal != nil {
					t.EffectiveDate = temporal.EffectiveDate
					t.ExpiryDate = temporal.ExpiryDate
				}
				rel.Temporal = &t
			}

			if existing, ok := g.Relationships[rel.ID]; ok && existing.Confidence >= rel.Confidence {
				continue
			}
			if err := g.AddRelationship(rel); err != nil {
				slog.Warn("extract: skipping invalid relationship",
					"id", rel.ID, "paragraph", paragraph, "error", err)
			}
		}
	}

	// A gate mention links every rule in the paragraph to it explicitly.
	if gate != "" {
		for _, m := range mentions {
			if m.entityType != graph.EntityGate {
				continue
			}
			gateID := entityID(m.entityType, m.text)
			for _, r := range mentions {
				if r.entityType != graph.EntityRule {
					continue
				}
				ruleID := entityID(r.entityType, r.text)
				rel := graph.Relationship{
					ID:             "rel-" + ruleID + "-" + graph.RelHasGate + "-" + gateID,
					SourceEntityID: ruleID,
					TargetEntityID: gateID,
					RelationType:   graph.RelHasGate,
					Confidence:     0.8 * math.Sqrt(r.confidence*m.confidence),
					Temporal:       &graph.Temporal{LogicGate: gate},
				}
				if err := g.AddRelationship(rel); err != nil {
					slog.Warn("extract: skipping gate relationship", "id", rel.ID, "error", err)
				}
			}
		}
	}
}

// crossesSentence reports whether the text between two mentions contains a
// sentence terminator. Connectives only bind mentions within one sentence;
// a full stop inside a number ("£1.50") does not count.
func crossesSentence(between string) bool {
	for i := 0; i < len(between); i++ {
		switch between[i] {
		case '!', '?', ';', '\n':
			return true
		case '.':
			if i+1 == len(between) || between[i+1] == ' ' || between[i+1] == '\t' {
				return true
			}
		}
	}
	return false
}

// findConnective returns the first connective (longest phrase first) present
// in the text between two mentions.
func findConnective(between string) (connective, bool) {
	bestIdx := -1
	var best connective
	for _, c := range connectives {
		idx := strings.Index(between, c.phrase)
		if idx < 0 {
			continue
		}
		if bestIdx == -1 || idx < bestIdx || (idx == bestIdx && len(c.phrase) > len(best.phrase)) {
			bestIdx = idx
			best = c
		}
	}
	return best, bestIdx >= 0
}

// paragraphTemporal extracts effective/expiry dates from cue phrases.
func paragraphTemporal(para string) *graph.Temporal {
	var t graph.Temporal
	found := false
	if m := reEffectiveFrom.FindStringSubmatch(para); m != nil {
		if d, ok := parseDate(m[1]); ok {
			t.EffectiveDate = &d
			found = true
		}
	}
	if m := reExpiresOn.FindStringSubmatch(para); m != nil {
		if d, ok := parseDate(m[1]); ok {
			t.ExpiryDate = &d
			found = true
		}
	}
	if !found {
		return nil
	}
	return &t
}

// paragraphGate returns the gate carried by the paragraph's gate mention,
// if any.
func paragraphGate(mentions []mention) graph.Gate {
	for _, m := range mentions {
		if m.entityType == graph.EntityGate && m.properties != nil {
			if s, ok := m.properties["gate"].(string); ok {
				return graph.Gate(s)
			}
		}
	}
	return ""
}

// parseDate handles the date shapes the cue patterns emit.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2 January 2006", "January 2006", "2006-01-02", "2/1/2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
		if d, err := time.Parse(layout, capitalizeWords(s)); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// capitalizeWords upper-cases word initials so "6 april 2024" parses with the
// month-name layouts.
func capitalizeWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w[0] >= 'a' && w[0] <= 'z' {
			words[i] = string(w[0]-'a'+'A') + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// applyConfidenceFloor drops entities below the floor and any relationship
// left dangling by the drop, preserving the no-dangling-endpoints guarantee.
func (x *Extractor) applyConfidenceFloor(g *graph.Graph) {
	for id, e := range g.Entities {
		if e.Confidence < x.cfg.MinConfidence {
			delete(g.Entities, id)
		}
	}
	for id, r := range g.Relationships {
		if _, ok := g.Entities[r.SourceEntityID]; !ok {
			delete(g.Relationships, id)
			continue
		}
		if _, ok := g.Entities[r.TargetEntityID]; !ok {
			delete(g.Relationships, id)
		}
	}
}
