package notify

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"wms_resolver/internal/model"

	"gopkg.in/yaml.v3"
)

const (
	TemplateShipmentResolved   = "shipment_resolved"
	TemplateOrderResolved      = "order_resolved"
	TemplateUnitResolved       = "unit_resolved"
	TemplateQuantityResolved   = "quantity_resolved"
	TemplateReconciledResolved = "reconciled_resolved"
	TemplateOpsDataRequest     = "ops_data_request"
	TemplateOpsTimeout         = "ops_timeout_escalation"
	TemplateManualReview       = "user_manual_review"
)

//go:embed templates.yaml
var defaultCatalog []byte

// 所有正文模板共享的数据片段块。
const snippetsTemplate = `{{define "snippets"}}{{range .Snippets}}
=== {{.Title}} ===
{{range .Lines}}{{.}}
{{end}}{{end}}{{end}}`

type templateDef struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// Catalog 已解析的模板集合。
type Catalog struct {
	subjects map[string]*template.Template
	bodies   map[string]*template.Template
}

// RenderData 模板可用字段。
type RenderData struct {
	TicketID   string
	Scenario   model.Scenario
	ShipmentID string
	OrderID    string
	UnitID     string
	Round      int
	Targets    []model.RequestTarget
	Snippets   []SnippetBlock
}

// SnippetBlock 渲染后的一段表格片段。
type SnippetBlock struct {
	Title string
	Lines []string
}

// Blocks 把片段引用整理成可直接渲染的文本块，高亮字段用 >>> <<< 标出。
func Blocks(refs []model.SnippetRef) []SnippetBlock {
	out := make([]SnippetBlock, 0, len(refs))
	for _, ref := range refs {
		b := SnippetBlock{Title: strings.ToUpper(ref.Table)}
		if ref.Phase != "" {
			b.Title += " (" + ref.Phase + ")"
		}
		for i, key := range ref.RowKeys {
			line := key
			if i < len(ref.Values) {
				line = fmt.Sprintf("%s  >>> %s=%s <<<", key, ref.HighlightedField, ref.Values[i])
			}
			b.Lines = append(b.Lines, line)
		}
		out = append(out, b)
	}
	return out
}

// LoadCatalog 解析 YAML 模板目录；raw 为空时使用内置目录。
func LoadCatalog(raw []byte) (*Catalog, error) {
	if len(raw) == 0 {
		raw = defaultCatalog
	}
	var defs map[string]templateDef
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	c := &Catalog{subjects: map[string]*template.Template{}, bodies: map[string]*template.Template{}}
	for id, def := range defs {
		subj, err := template.New(id + ".subject").Parse(def.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", id, err)
		}
		body, err := template.New(id).Parse(snippetsTemplate)
		if err != nil {
			return nil, err
		}
		if body, err = body.Parse(def.Body); err != nil {
			return nil, fmt.Errorf("template %s body: %w", id, err)
		}
		c.subjects[id] = subj
		c.bodies[id] = body
	}
	return c, nil
}

// Has 目录中是否存在该模板。
func (c *Catalog) Has(templateID string) bool {
	_, ok := c.subjects[templateID]
	return ok
}

// Render 返回 subject 与 body。
func (c *Catalog) Render(templateID string, data RenderData) (string, string, error) {
	subj, ok := c.subjects[templateID]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", templateID)
	}
	var sb, bb strings.Builder
	if err := subj.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", templateID, err)
	}
	if err := c.bodies[templateID].Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", templateID, err)
	}
	return sb.String(), strings.TrimSpace(bb.String()), nil
}
