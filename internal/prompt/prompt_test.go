package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPersonas(t *testing.T) {
	personas, err := LoadPersonas("")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "helpdesk"}, personas.Names())

	helpdesk, err := personas.Get("HelpDesk")
	require.NoError(t, err)
	assert.Equal(t, "Who's ROSSponsible ?", helpdesk.Greeting)
	assert.False(t, helpdesk.RevealSQL)

	analyst, err := personas.Get("")
	require.NoError(t, err)
	assert.Equal(t, "analyst", analyst.Name)
	assert.True(t, strings.HasPrefix(analyst.Greeting, "Hallo 🤖!"))

	_, err = personas.Get("pirate")
	assert.ErrorContains(t, err, "unknown persona")
}

func TestSQLPromptIsPure(t *testing.T) {
	personas, err := LoadPersonas("")
	require.NoError(t, err)
	persona, err := personas.Get("analyst")
	require.NoError(t, err)

	in := Input{
		Schema:   "CREATE TABLE contacts (\n\tName TEXT\n)",
		History:  "AI: Hallo\nHuman: Wer ist in der IT?\nAI: Anna",
		Question: "Und im Einkauf?",
	}

	first, err := NewBuilder(persona)
	require.NoError(t, err)
	second, err := NewBuilder(persona)
	require.NoError(t, err)

	a, err := first.SQLPrompt(in)
	require.NoError(t, err)
	b, err := first.SQLPrompt(in)
	require.NoError(t, err)
	c, err := second.SQLPrompt(in)
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same builder produced different prompts (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a, c); diff != "" {
		t.Fatalf("fresh builder produced a different prompt (-first +second):\n%s", diff)
	}
	assert.Contains(t, a, "<SCHEMA>CREATE TABLE contacts (\n\tName TEXT\n)</SCHEMA>")
	assert.Contains(t, a, "Conversation History: AI: Hallo\nHuman: Wer ist in der IT?\nAI: Anna")
	assert.True(t, strings.HasSuffix(a, "Question: Und im Einkauf?\nSQL Query:\n"))
}

func TestSQLPromptIgnoresQueryAndResponse(t *testing.T) {
	builder := mustBuilder(t, Persona{
		Name:           "probe",
		SQLTemplate:    "{{.Question}}|{{.Query}}|{{.Response}}",
		AnswerTemplate: "{{.Question}}|{{.Query}}|{{.Response}}",
	})

	sqlPrompt, err := builder.SQLPrompt(Input{Question: "q", Query: "SELECT 1", Response: "1"})
	require.NoError(t, err)
	assert.Equal(t, "q||", sqlPrompt)

	answerPrompt, err := builder.AnswerPrompt(Input{Question: "q", Query: "SELECT 1", Response: "1"})
	require.NoError(t, err)
	assert.Equal(t, "q|SELECT 1|1", answerPrompt)
}

func TestAnswerPromptCarriesQueryAndResult(t *testing.T) {
	personas, err := LoadPersonas("")
	require.NoError(t, err)
	persona, err := personas.Get("helpdesk")
	require.NoError(t, err)
	builder := mustBuilder(t, persona)

	got, err := builder.AnswerPrompt(Input{
		Schema:   "schema",
		History:  "AI: Who's ROSSponsible ?",
		Question: "Wer betreut SAP?",
		Query:    "SELECT `Name` FROM contacts",
		Response: "Jonas Brandt",
	})
	require.NoError(t, err)
	assert.Contains(t, got, "SQL Query: <SQL>SELECT `Name` FROM contacts</SQL>")
	assert.Contains(t, got, "SQL Response: Jonas Brandt")
	assert.Contains(t, got, "Never reveal the SQL query")
}

func TestNewBuilderRejectsBrokenTemplate(t *testing.T) {
	_, err := NewBuilder(Persona{Name: "bad", SQLTemplate: "{{.Schema", AnswerTemplate: "x"})
	assert.Error(t, err)
}

func TestUnknownFieldFailsAtRender(t *testing.T) {
	builder := mustBuilder(t, Persona{Name: "typo", SQLTemplate: "{{.Shema}}", AnswerTemplate: "x"})
	_, err := builder.SQLPrompt(Input{})
	assert.Error(t, err)
}

func TestLoadPersonasOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	body := `personas:
  helpdesk:
    greeting: "Moin!"
    sql_template: "SQL {{.Question}}"
    answer_template: "ANSWER {{.Response}}"
  support:
    greeting: "Hi"
    reveal_sql: true
    sql_template: "S"
    answer_template: "A"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	personas, err := LoadPersonas(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "helpdesk", "support"}, personas.Names())

	helpdesk, err := personas.Get("helpdesk")
	require.NoError(t, err)
	assert.Equal(t, "Moin!", helpdesk.Greeting)
	assert.Equal(t, "helpdesk", helpdesk.Name)
}

func TestParsePersonasRequiresTemplates(t *testing.T) {
	_, err := ParsePersonas([]byte("personas:\n  empty:\n    greeting: hi\n"))
	assert.ErrorContains(t, err, "needs both")
}

func mustBuilder(t *testing.T, persona Persona) *Builder {
	t.Helper()
	builder, err := NewBuilder(persona)
	require.NoError(t, err)
	return builder
}
