// Package i18n looks up localized UI strings.
//
// Catalogs are flat yaml maps of message name to text, one file per locale.
// Built-in catalogs are embedded; a directory of overrides can be layered on
// top. Text may reference positional arguments as $1..$9.
package i18n

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var builtin embed.FS

// Translator resolves a message name to display text.
type Translator interface {
	Message(name string, args ...string) string
}

// Catalog holds the messages for the best locale match plus an English fallback.
type Catalog struct {
	locale   language.Tag
	messages map[string]string
	fallback map[string]string
}

// Load builds a catalog for the requested locale. overrideDir may be empty;
// when set, any <locale>.yaml found there replaces the built-in file.
func Load(requested, overrideDir string) (*Catalog, error) {
	sets, err := loadSets(overrideDir)
	if err != nil {
		return nil, err
	}

	tags := make([]language.Tag, 0, len(sets))
	tags = append(tags, language.AmericanEnglish)
	for tag := range sets {
		if tag != language.AmericanEnglish {
			tags = append(tags, tag)
		}
	}

	want, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(want) == 0 {
		want = []language.Tag{language.AmericanEnglish}
	}
	_, idx, _ := language.NewMatcher(tags).Match(want...)
	chosen := tags[idx]

	return &Catalog{
		locale:   chosen,
		messages: sets[chosen],
		fallback: sets[language.AmericanEnglish],
	}, nil
}

// Locale returns the locale the catalog resolved to.
func (c *Catalog) Locale() language.Tag {
	return c.locale
}

// Message returns the localized text for name. Unknown names resolve to the
// English text, then to the name itself.
func (c *Catalog) Message(name string, args ...string) string {
	text, ok := c.messages[name]
	if !ok {
		text, ok = c.fallback[name]
	}
	if !ok {
		return name
	}
	if len(args) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(args))
	for i := len(args) - 1; i >= 0; i-- {
		pairs = append(pairs, "$"+strconv.Itoa(i+1), args[i])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func loadSets(overrideDir string) (map[language.Tag]map[string]string, error) {
	sets := make(map[language.Tag]map[string]string)

	entries, err := builtin.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read builtin locales: %w", err)
	}
	for _, e := range entries {
		data, err := builtin.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin locale %s: %w", e.Name(), err)
		}
		if err := addSet(sets, e.Name(), data); err != nil {
			return nil, err
		}
	}

	if overrideDir == "" {
		return sets, nil
	}
	files, err := filepath.Glob(filepath.Join(overrideDir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", f, err)
		}
		if err := addSet(sets, filepath.Base(f), data); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

func addSet(sets map[language.Tag]map[string]string, file string, data []byte) error {
	tag, err := language.Parse(strings.TrimSuffix(file, filepath.Ext(file)))
	if err != nil {
		return fmt.Errorf("locale file %s: %w", file, err)
	}
	var msgs map[string]string
	if err := yaml.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("failed to parse yaml %s: %w", file, err)
	}
	sets[tag] = msgs
	return nil
}
