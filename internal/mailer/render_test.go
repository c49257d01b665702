package mailer

import (
	"strings"
	"testing"
)

func TestRender_ProducesStandaloneDocument(t *testing.T) {
	doc, err := Render("# Welcome\n\nThanks for signing up.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(doc, "<!DOCTYPE html>") {
		t.Error("expected doctype prefix")
	}
	if !strings.Contains(doc, "<meta charset=\"utf-8\">") {
		t.Error("expected charset meta")
	}
	if !strings.Contains(doc, "<style>") {
		t.Error("expected embedded stylesheet")
	}
	if !strings.Contains(doc, "<h1") {
		t.Error("expected heading rendered")
	}
	if !strings.Contains(doc, "Thanks for signing up.") {
		t.Error("expected body text")
	}
}

func TestRender_AutolinksBareURLs(t *testing.T) {
	doc, err := Render("Visit https://example.com for details.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(doc, `<a href="https://example.com"`) {
		t.Errorf("expected bare url autolinked, got:\n%s", doc)
	}
}

func TestRender_HardWrapsSingleNewlines(t *testing.T) {
	doc, err := Render("line one\nline two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(doc, "<br") {
		t.Errorf("expected single newline rendered as <br>, got:\n%s", doc)
	}
}

func TestRender_PassesRawHTMLThrough(t *testing.T) {
	doc, err := Render(`<table><tr><td>cell</td></tr></table>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(doc, "<table>") {
		t.Errorf("expected raw html preserved, got:\n%s", doc)
	}
}
