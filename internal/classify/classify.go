// Package classify 定义工单文本的实体抽取与问题分类能力接口，并提供基于正则与关键词的默认实现。
package classify

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"wms_resolver/internal/model"
)

// Verdict 分类结论。
type Verdict struct {
	IssueType  model.Scenario `json:"issue_type"`
	Confidence float64        `json:"confidence"`
}

// Result 抽取与分类的合并输出。
type Result struct {
	Entities []model.Entity `json:"entities"`
	Verdict  Verdict        `json:"verdict"`
}

// Classifier 状态机只把它当作不透明能力使用。
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

var extractPatterns = []struct {
	kind model.IDKind
	re   *regexp.Regexp
}{
	{model.KindShipment, regexp.MustCompile(`\b0\d{4}\b`)},
	{model.KindOrder, regexp.MustCompile(`\b2\d{9}\b`)},
	{model.KindUnit, regexp.MustCompile(`\b5\d{14}\b`)},
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?;\n]+`)
	wordPattern   = regexp.MustCompile(`[a-z]+`)
)

// 实体名词（含旧系统叫法 asn / po / pallet）
var nouns = map[string]model.Scenario{
	"asn": model.ScenarioMissingShipment, "asns": model.ScenarioMissingShipment,
	"shipment": model.ScenarioMissingShipment, "shipments": model.ScenarioMissingShipment,
	"po": model.ScenarioMissingOrder, "pos": model.ScenarioMissingOrder,
	"order": model.ScenarioMissingOrder, "orders": model.ScenarioMissingOrder,
	"pallet": model.ScenarioMissingUnit, "pallets": model.ScenarioMissingUnit,
	"unit": model.ScenarioMissingUnit, "units": model.ScenarioMissingUnit,
}

var (
	missingWords  = map[string]bool{"missing": true, "absent": true, "lost": true}
	negatedWords  = map[string]bool{"found": true, "present": true, "showing": true, "visible": true}
	mismatchWords = map[string]bool{
		"mismatch": true, "mismatched": true, "difference": true, "discrepancy": true,
		"wrong": true, "incorrect": true, "differ": true, "differs": true,
	}
)

// KeywordClassifier 正则抽取三类标识；关键词命中计分决定场景。
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	return Result{Entities: Extract(text), Verdict: Score(text)}, nil
}

// Extract 同一类出现 n 个不同候选时，每个置信度为 1/n。
func Extract(text string) []model.Entity {
	var out []model.Entity
	for _, p := range extractPatterns {
		matches := uniq(p.re.FindAllString(text, -1))
		for _, m := range matches {
			out = append(out, model.Entity{Kind: p.kind, Value: m, Confidence: 1 / float64(len(matches))})
		}
	}
	return out
}

// Score 逐句扫描：不一致类词计入 quantity_mismatch；缺失类词（missing / not found）归到同句中最近的前置实体名词，
// 没有前置名词时取最近的后置名词。置信度 = 胜出场景得分 / 总得分；无命中返回 unknown。
func Score(text string) Verdict {
	scores := map[model.Scenario]int{}
	total := 0
	for _, sentence := range sentenceSplit.Split(strings.ToLower(text), -1) {
		words := wordPattern.FindAllString(sentence, -1)
		for i, w := range words {
			switch {
			case mismatchWords[w]:
				scores[model.ScenarioQuantityMismatch]++
				total++
			case missingWords[w], negatedWords[w] && i > 0 && words[i-1] == "not":
				if s, ok := nearestNoun(words, i); ok {
					scores[s]++
					total++
				}
			}
		}
	}
	if total == 0 {
		return Verdict{IssueType: model.ScenarioUnknown}
	}

	// 固定遍历顺序，平分时结果确定
	best := model.ScenarioUnknown
	bestScore := 0
	for _, s := range []model.Scenario{
		model.ScenarioMissingShipment, model.ScenarioMissingOrder,
		model.ScenarioMissingUnit, model.ScenarioQuantityMismatch,
	} {
		if scores[s] > bestScore {
			best, bestScore = s, scores[s]
		}
	}
	return Verdict{IssueType: best, Confidence: float64(bestScore) / float64(total)}
}

func nearestNoun(words []string, at int) (model.Scenario, bool) {
	for i := at - 1; i >= 0; i-- {
		if s, ok := nouns[words[i]]; ok {
			return s, true
		}
	}
	for i := at + 1; i < len(words); i++ {
		if s, ok := nouns[words[i]]; ok {
			return s, true
		}
	}
	return "", false
}

func uniq(in []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Selection 每类至多一个选中的标识；Ambiguous 记录并列无法取舍的类别。
type Selection struct {
	ShipmentID string
	OrderID    string
	UnitID     string
	Ambiguous  []model.IDKind
}

func (s Selection) Get(kind model.IDKind) string {
	switch kind {
	case model.KindShipment:
		return s.ShipmentID
	case model.KindOrder:
		return s.OrderID
	case model.KindUnit:
		return s.UnitID
	}
	return ""
}

// IsAmbiguous 某类是否并列。
func (s Selection) IsAmbiguous(kind model.IDKind) bool {
	for _, k := range s.Ambiguous {
		if k == kind {
			return true
		}
	}
	return false
}

// SelectIdentifiers 过滤格式非法与低置信度候选，每类取置信度最高者；最高分并列且取值不同记为歧义。
func SelectIdentifiers(entities []model.Entity, minConfidence float64) Selection {
	byKind := map[model.IDKind][]model.Entity{}
	for _, e := range entities {
		if e.Confidence < minConfidence || !model.ValidID(e.Kind, e.Value) {
			continue
		}
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	var sel Selection
	for _, kind := range []model.IDKind{model.KindShipment, model.KindOrder, model.KindUnit} {
		cands := byKind[kind]
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].Confidence > cands[j].Confidence })
		top := cands[0]
		tied := false
		for _, c := range cands[1:] {
			if c.Confidence == top.Confidence && c.Value != top.Value {
				tied = true
			}
		}
		if tied {
			sel.Ambiguous = append(sel.Ambiguous, kind)
			continue
		}
		switch kind {
		case model.KindShipment:
			sel.ShipmentID = top.Value
		case model.KindOrder:
			sel.OrderID = top.Value
		case model.KindUnit:
			sel.UnitID = top.Value
		}
	}
	return sel
}

// RequiredKind 各场景必须具备的标识类型。
func RequiredKind(s model.Scenario) model.IDKind {
	switch s {
	case model.ScenarioMissingShipment:
		return model.KindShipment
	case model.ScenarioMissingUnit:
		return model.KindUnit
	default:
		return model.KindOrder
	}
}
