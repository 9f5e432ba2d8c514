package plan

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates/Dockerfile.tmpl
var templatesFS embed.FS

var dockerfileTemplate = template.Must(template.New("Dockerfile.tmpl").Funcs(template.FuncMap{
	"add":     func(a, b int) int { return a + b },
	"envList": envList,
	"label":   label,
	"json":    jsonArray,
	"copy":    copyArgs,
}).ParseFS(templatesFS, "templates/Dockerfile.tmpl"))

// Dockerfile renders the plan as Dockerfile content.
func (p *Plan) Dockerfile() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := dockerfileTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("failed to render Dockerfile: %w", err)
	}
	return buf.String(), nil
}

// YAML renders the plan as a YAML document, for inspection.
func (p *Plan) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("failed to render plan as YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// envList renders ENV assignments, one per continuation line.
func envList(vars []EnvVar) string {
	parts := make([]string, 0, len(vars))
	for _, v := range vars {
		value := dockerQuote(v.Value)
		if !v.Expand {
			value = literalQuote(v.Value)
		}
		parts = append(parts, v.Name+"="+value)
	}
	return strings.Join(parts, " \\\n    ")
}

func label(key, value string) string {
	return literalQuote(key) + "=" + literalQuote(value)
}

var (
	expandQuoter  = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	literalQuoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
)

// dockerQuote wraps s in double quotes. Dockerfile ENV and LABEL still expand
// $VAR inside double quotes, which the activation step relies on for PATH.
func dockerQuote(s string) string {
	return `"` + expandQuoter.Replace(s) + `"`
}

// literalQuote is dockerQuote with $ escaped, so the value reaches the image as written.
func literalQuote(s string) string {
	return `"` + literalQuoter.Replace(s) + `"`
}

// copyArgs renders COPY in exec form so paths may contain spaces.
func copyArgs(op CopyOp) (string, error) {
	return jsonArray([]string{op.Src, op.Dest})
}

func jsonArray(words []string) (string, error) {
	b, err := json.Marshal(words)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
