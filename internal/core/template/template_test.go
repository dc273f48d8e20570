package template

import "testing"

func TestRenderVarSubstitution(t *testing.T) {
	got := Render("Session {{SESSION}} is active.", Data{"SESSION": "sess-1"})
	want := "Session sess-1 is active."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderMissingVarIsEmpty(t *testing.T) {
	got := Render("Hello {{NAME}}!", Data{})
	if got != "Hello !" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderIfTrue(t *testing.T) {
	tmpl := "{{#if ESCALATED}}Session escalated.{{/if}}Done."
	got := Render(tmpl, Data{"ESCALATED": "yes"})
	if got != "Session escalated.Done." {
		t.Fatalf("got %q", got)
	}
}

func TestRenderIfFalseOmitsBlock(t *testing.T) {
	tmpl := "{{#if ESCALATED}}Session escalated.{{/if}}Done."
	got := Render(tmpl, Data{})
	if got != "Done." {
		t.Fatalf("got %q", got)
	}
}

func TestRenderEachLoop(t *testing.T) {
	tmpl := "Tasks:\n{{#each TASKS}}- {{TITLE}} ({{STATUS}})\n{{/each}}"
	data := Data{
		"TASKS": []map[string]string{
			{"TITLE": "Write tests", "STATUS": "open"},
			{"TITLE": "Fix bug", "STATUS": "in_progress"},
		},
	}
	got := Render(tmpl, data)
	want := "Tasks:\n- Write tests (open)\n- Fix bug (in_progress)\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderEachEmptyListOmitsBlock(t *testing.T) {
	tmpl := "Tasks:\n{{#each TASKS}}- {{TITLE}}\n{{/each}}(none)"
	got := Render(tmpl, Data{"TASKS": []map[string]string{}})
	want := "Tasks:\n(none)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderIfAndEachAsSiblings(t *testing.T) {
	tmpl := "{{#if TITLE}}Title: {{TITLE}}\n{{/if}}{{#each TASKS}}- {{TITLE}}\n{{/each}}"
	data := Data{
		"TITLE": "Session resume",
		"TASKS": []map[string]string{{"TITLE": "a"}},
	}
	got := Render(tmpl, data)
	want := "Title: Session resume\n- a\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
