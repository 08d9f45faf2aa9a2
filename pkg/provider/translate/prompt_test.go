package translate_test

import (
	"strings"
	"testing"

	"github.com/parolfluo/parolfluo/pkg/provider/translate"
)

func TestLanguageName_KnownCodes(t *testing.T) {
	cases := map[string]string{
		"eo": "Esperanto",
		"ja": "Japanese",
		"EN": "English",
	}
	for code, want := range cases {
		if got := translate.LanguageName(code); got != want {
			t.Errorf("LanguageName(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestLanguageName_UnknownCodeFallsThrough(t *testing.T) {
	if got := translate.LanguageName("tlh"); got != "tlh" {
		t.Errorf("LanguageName(tlh) = %q, want the code itself", got)
	}
}

func TestSystemPrompt_NamesBothLanguages(t *testing.T) {
	p := translate.SystemPrompt("eo", "ja")
	if !strings.Contains(p, "Esperanto") {
		t.Errorf("prompt should name the source language, got: %s", p)
	}
	if !strings.Contains(p, "Japanese") {
		t.Errorf("prompt should name the target language, got: %s", p)
	}
}
