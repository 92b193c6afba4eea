// Package prompt turns schema text, conversation history and a question into
// the two model prompts of a turn.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var builtinPersonas []byte

const DefaultPersona = "analyst"

type Persona struct {
	Name           string `yaml:"-"`
	DisplayName    string `yaml:"display_name"`
	Language       string `yaml:"language"`
	Greeting       string `yaml:"greeting"`
	RevealSQL      bool   `yaml:"reveal_sql"`
	SQLTemplate    string `yaml:"sql_template"`
	AnswerTemplate string `yaml:"answer_template"`
}

type personaFile struct {
	Personas map[string]Persona `yaml:"personas"`
}

// Personas is keyed by lower-case persona name.
type Personas map[string]Persona

// LoadPersonas returns the built-in personas, overlaid with the ones in path
// when path is set. A persona in the file replaces a built-in one entirely.
func LoadPersonas(path string) (Personas, error) {
	personas, err := ParsePersonas(builtinPersonas)
	if err != nil {
		return nil, fmt.Errorf("parse built-in personas: %w", err)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return personas, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	extra, err := ParsePersonas(raw)
	if err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	for name, persona := range extra {
		personas[name] = persona
	}
	return personas, nil
}

func ParsePersonas(raw []byte) (Personas, error) {
	var file personaFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	personas := make(Personas, len(file.Personas))
	for name, persona := range file.Personas {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("persona name is required")
		}
		if strings.TrimSpace(persona.SQLTemplate) == "" || strings.TrimSpace(persona.AnswerTemplate) == "" {
			return nil, fmt.Errorf("persona %q needs both sql_template and answer_template", key)
		}
		persona.Name = key
		personas[key] = persona
	}
	return personas, nil
}

func (p Personas) Get(name string) (Persona, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPersona
	}
	persona, ok := p[key]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q (available: %s)", name, strings.Join(p.Names(), ", "))
	}
	return persona, nil
}

func (p Personas) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Input carries every value a template may reference. Query and Response are
// empty for the SQL generation prompt.
type Input struct {
	Schema   string
	History  string
	Question string
	Query    string
	Response string
}

// Builder renders a persona's templates. It holds no state besides the parsed
// templates, so equal inputs always give byte-identical prompts.
type Builder struct {
	persona Persona
	sql     *template.Template
	answer  *template.Template
}

func NewBuilder(persona Persona) (*Builder, error) {
	sqlTmpl, err := template.New(persona.Name + "-sql").Option("missingkey=error").Parse(persona.SQLTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse sql template for persona %q: %w", persona.Name, err)
	}
	answerTmpl, err := template.New(persona.Name + "-answer").Option("missingkey=error").Parse(persona.AnswerTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse answer template for persona %q: %w", persona.Name, err)
	}
	return &Builder{persona: persona, sql: sqlTmpl, answer: answerTmpl}, nil
}

func (b *Builder) Persona() Persona {
	return b.persona
}

func (b *Builder) SQLPrompt(in Input) (string, error) {
	return render(b.sql, Input{Schema: in.Schema, History: in.History, Question: in.Question})
}

func (b *Builder) AnswerPrompt(in Input) (string, error) {
	return render(b.answer, in)
}

func render(tmpl *template.Template, in Input) (string, error) {
	var out strings.Builder
	if err := tmpl.Execute(&out, in); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return out.String(), nil
}
