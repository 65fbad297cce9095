package paths

import (
	"context"
	"errors"
	"testing"
)

func TestParseBindings(t *testing.T) {
	got, err := ParseBindings(" /doctor=gemini-a, /coach/ ,", "gemini-default")
	if err != nil {
		t.Fatalf("ParseBindings() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Path != "/doctor" || got[0].Model != "gemini-a" {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Path != "/coach" || got[1].Model != "gemini-default" {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestParseBindingsRejectsRelativePath(t *testing.T) {
	if _, err := ParseBindings("doctor=m", ""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("error = %v, want ErrInvalidPath", err)
	}
	if _, err := ParseBindings("/doctor", ""); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestTableLookupNormalizes(t *testing.T) {
	table, err := NewTable([]Binding{{Path: "/doctor", Model: "m"}})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	if b, ok := table.Lookup("/doctor/"); !ok || b.Model != "m" {
		t.Fatalf("Lookup(/doctor/) = %+v, %v", b, ok)
	}
	if _, ok := table.Lookup("/unknown"); ok {
		t.Fatalf("Lookup(/unknown) should miss")
	}
	if _, ok := table.Lookup("doctor"); ok {
		t.Fatalf("Lookup(doctor) should miss")
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable([]Binding{{Path: "/a", Model: "m"}, {Path: "/a/", Model: "n"}})
	if err == nil {
		t.Fatalf("expected duplicate path error")
	}
}

func TestLoadWithoutDatabaseUsesSeed(t *testing.T) {
	table, err := Load(context.Background(), "", []Binding{{Path: "/b", Model: "m"}, {Path: "/a", Model: "m"}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	list := table.List()
	if len(list) != 2 || list[0].Path != "/a" || list[1].Path != "/b" {
		t.Fatalf("List() = %+v", list)
	}
}

func TestSplitModalities(t *testing.T) {
	got := splitModalities(" AUDIO, ,TEXT")
	if len(got) != 2 || got[0] != "AUDIO" || got[1] != "TEXT" {
		t.Fatalf("splitModalities() = %v", got)
	}
}

func TestParseBindingFile(t *testing.T) {
	doc := []byte(`
paths:
  - path: doctor
    voice: Puck
  - path: /tutor
    model: gemini-tutor
    response_modalities: [AUDIO, TEXT]
`)
	got, err := parseBindingFile(doc, "gemini-default")
	if err != nil {
		t.Fatalf("parseBindingFile() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bindings = %+v, want 2", got)
	}
	if got[0].Path != "/doctor" || got[0].Model != "gemini-default" || got[0].Voice != "Puck" {
		t.Fatalf("doctor = %+v", got[0])
	}
	if got[1].Model != "gemini-tutor" || len(got[1].ResponseModalities) != 2 || got[1].ResponseModalities[1] != "TEXT" {
		t.Fatalf("tutor = %+v", got[1])
	}
}

func TestParseBindingFileRequiresModel(t *testing.T) {
	if _, err := parseBindingFile([]byte("paths:\n  - path: /doctor\n"), ""); err == nil {
		t.Fatalf("expected error without any model")
	}
}
