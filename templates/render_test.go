package templates

import (
	"testing"

	"outreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"first_name": "Dana", "company": "Acme"}

	out, err := Render("Hi {{first_name}}, how is {{ company }}? {{title|your team}}", vars, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi Dana, how is Acme? your team", out)

	out, err = Render("Hi {{nickname}}!", vars, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi !", out)
}

func TestRender_MissingRequiredVariable(t *testing.T) {
	_, err := Render("Hi {{first_name}}", map[string]string{"first_name": " "}, []string{"first_name", "company"})
	require.ErrorIs(t, err, ErrMissingVariable)
	assert.Contains(t, err.Error(), "first_name, company")
}

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"company", "first_name"}, Variables("{{first_name}} {{company}} {{first_name|x}}"))
}

func TestRenderAction_TemplateFillsGaps(t *testing.T) {
	tmpl := &models.Template{Subject: "Quick question, {{first_name}}", HTMLContent: "<p>Hello {{first_name}}</p>"}
	action := models.StepAction{BodyText: "Hello {{first_name}}", Required: []string{"first_name"}}

	msg, err := RenderAction(action, tmpl, map[string]string{"first_name": "Sam"})
	require.NoError(t, err)
	assert.Equal(t, "Quick question, Sam", msg.Subject)
	assert.Equal(t, "<p>Hello Sam</p>", msg.HTML)
	assert.Equal(t, "Hello Sam", msg.Text)

	_, err = RenderAction(action, tmpl, map[string]string{})
	assert.ErrorIs(t, err, ErrMissingVariable)
}
