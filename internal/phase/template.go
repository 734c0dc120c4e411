package phase

import (
	"bytes"
	"fmt"
	"text/template"

	"studioline/internal/domain"
)

// Template is the data-driven description of one phase task.
type Template struct {
	ID         string
	Department domain.Department
	Type       string
	Name       string
	Priority   int
	Inputs     map[string]string
	DependsOn  []string
	Requires   []string
}

// TaskID scopes a template id to a production.
func TaskID(projectID, templateID string) string {
	if projectID == "" {
		return templateID
	}
	return projectID + "/" + templateID
}

// Resolve renders templates against the brief. Template fields may reference
// brief fields such as {{.Title}}. Dependencies name template ids of this or
// earlier phases and are scoped the same way as task ids.
func Resolve(p domain.Phase, templates []Template, brief domain.Brief) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(templates))
	for _, t := range templates {
		name, err := render(t.ID+".name", t.Name, brief)
		if err != nil {
			return nil, err
		}
		inputs := make(map[string]any, len(t.Inputs)+2)
		for k, v := range t.Inputs {
			s, err := render(t.ID+"."+k, v, brief)
			if err != nil {
				return nil, err
			}
			inputs[k] = s
		}
		if brief.Title != "" {
			inputs["title"] = brief.Title
		}
		if brief.Genre != "" {
			inputs["genre"] = brief.Genre
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			deps = append(deps, TaskID(brief.ProjectID, d))
		}
		typ := t.Type
		if typ == "" {
			typ = t.ID
		}
		if name == "" {
			name = typ
		}
		tasks = append(tasks, domain.Task{
			ID:                TaskID(brief.ProjectID, t.ID),
			ProjectID:         brief.ProjectID,
			Phase:             p,
			Department:        t.Department,
			Type:              typ,
			Name:              name,
			Priority:          t.Priority,
			Inputs:            inputs,
			Dependencies:      deps,
			RequiredArtifacts: append([]string(nil), t.Requires...),
		})
	}
	return tasks, nil
}

func render(name, text string, brief domain.Brief) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, brief); err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return buf.String(), nil
}
