package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dongshu2013/the-sniper/internal/entity"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

const extractionSystemPrompt = `You analyze a crypto community chat and identify what it is organized around.
Respond with a JSON object: {"type": "memecoin"|"other"|"unknown", "name": string|null, "chain": string|null, "address": string|null, "website": string|null, "twitter": string|null}.
Use null for any field you cannot determine. Never invent values.`

const evaluationSystemPrompt = `You rate the quality of a crypto community chat on a 0-10 scale.
Consider signal density, coordination, spam levels, and whether real discussion happens.
Respond with a JSON object: {"score": number, "reason": string}.`

const weightedEvaluationSystemPrompt = `You rate the quality of a crypto community chat on a 0-10 scale, and separately how well its discussion matches its declared category on a 0-10 scale.
Respond with a JSON object: {"score": number, "category_alignment": number}.`

// extractEntity asks the AI to identify the community's entity, handing over
// the prior descriptor as a hint, and merges the result additively. Returns
// false when nothing new could be extracted.
func (e *Engine) extractEntity(ctx context.Context, meta sniper.ChatMetadata, cc sniper.ChatContext) (*sniper.EntityDescriptor, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Community: %s\n", meta.Name)
	if cc.About != "" {
		fmt.Fprintf(&b, "About: %s\n", cc.About)
	}
	if len(cc.Pinned) > 0 {
		fmt.Fprintf(&b, "Pinned messages:\n%s\n", strings.Join(cc.Pinned, "\n"))
	}
	if meta.Entity != nil {
		hint, err := json.Marshal(meta.Entity)
		if err == nil {
			fmt.Fprintf(&b, "Known so far: %s\n", hint)
		}
	}
	b.WriteString("Fill in any fields you can determine.")

	raw, ok := e.complete(ctx, "extract", extractionSystemPrompt, truncate(b.String(), e.cfg.MaxTranscriptChars), "json_object")
	if !ok || raw == "" {
		return meta.Entity, false
	}
	extracted := entity.ParseExtraction(raw)
	if extracted == nil {
		return meta.Entity, false
	}
	merged, _ := entity.Merge(meta.Entity, extracted)
	return merged, true
}

// evaluate produces one quality report. Communities with too small a recent
// sample get the synthetic inactive report without an AI call.
func (e *Engine) evaluate(ctx context.Context, meta sniper.ChatMetadata, cc sniper.ChatContext) (sniper.QualityReport, bool) {
	now := e.clock.Now()
	if len(cc.RecentMessages) < e.cfg.MinMessages {
		return sniper.QualityReport{Score: 0, Reason: "inactive", ProcessedAt: now}, true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Community: %s\n", meta.Name)
	if meta.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", meta.Category)
	}
	if cc.About != "" {
		fmt.Fprintf(&b, "About: %s\n", cc.About)
	}
	b.WriteString("Recent messages:\n")
	b.WriteString(buildTranscript(cc, e.cfg.MaxTranscriptChars))

	system := evaluationSystemPrompt
	if e.cfg.WeightedScoring {
		system = weightedEvaluationSystemPrompt
	}
	raw, ok := e.complete(ctx, "evaluate", system, truncate(b.String(), e.cfg.MaxTranscriptChars), "json_object")
	if !ok || raw == "" {
		return sniper.QualityReport{}, false
	}
	score, reason, ok := parseEvaluation(raw, e.cfg.WeightedScoring)
	if !ok {
		e.logger.Warn("unparseable evaluation response")
		return sniper.QualityReport{}, false
	}
	return sniper.QualityReport{Score: score, Reason: reason, ProcessedAt: now}, true
}

var scorePattern = regexp.MustCompile(`"score"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)
var alignmentPattern = regexp.MustCompile(`"category_alignment"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)
var reasonPattern = regexp.MustCompile(`"reason"\s*:\s*"([^"]*)"`)

// parseEvaluation decodes {"score", "reason"} or the weighted variant
// {"score", "category_alignment"} combined as 0.7*score + 0.3*alignment.
// Strict JSON first, per-field regex fallback after. A response with no
// recoverable score fails the parse.
func parseEvaluation(raw string, weighted bool) (float64, string, bool) {
	type evaluation struct {
		Score     *float64 `json:"score"`
		Alignment *float64 `json:"category_alignment"`
		Reason    string   `json:"reason"`
	}
	var ev evaluation
	if err := json.Unmarshal([]byte(stripFences(raw)), &ev); err != nil || ev.Score == nil {
		ev = evaluation{}
		if m := scorePattern.FindStringSubmatch(raw); len(m) == 2 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				ev.Score = &v
			}
		}
		if m := alignmentPattern.FindStringSubmatch(raw); len(m) == 2 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				ev.Alignment = &v
			}
		}
		if m := reasonPattern.FindStringSubmatch(raw); len(m) == 2 {
			ev.Reason = m[1]
		}
	}
	if ev.Score == nil {
		return 0, "", false
	}
	score := *ev.Score
	reason := ev.Reason
	if weighted {
		alignment := score
		if ev.Alignment != nil {
			alignment = *ev.Alignment
		}
		score = 0.7*score + 0.3*alignment
		if reason == "" {
			reason = fmt.Sprintf("weighted score %.1f, alignment %.1f", *ev.Score, alignment)
		}
	}
	return score, reason, true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
