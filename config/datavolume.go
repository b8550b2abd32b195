package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	"github.com/MarimerLLC/rockbot/contextassembler"
)

// LoadAgentProfile reads the fixed top-level prompt files of a data-volume
// tree (soul.md is required; the rest are optional) into a
// contextassembler.AgentProfile.
func LoadAgentProfile(dv DataVolumeConfig) (contextassembler.AgentProfile, error) {
	soul, err := os.ReadFile(dv.Join("soul.md"))
	if err != nil {
		return contextassembler.AgentProfile{}, fmt.Errorf("config: read soul.md: %w", err)
	}

	profile := contextassembler.AgentProfile{Soul: strings.TrimSpace(string(soul))}
	profile.Directives = readOptional(dv.Join("directives.md"))
	profile.Style = readOptional(dv.Join("style.md"))
	profile.MemoryRules = readOptional(dv.Join("memory-rules.md"))
	profile.SessionBriefing = readOptional(dv.Join("session-start.md"))

	profile.ModelAdditionalText = func(modelID string) string {
		return modelBehaviorText(dv, modelID)
	}

	return profile, nil
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// modelBehaviorText finds the longest-prefix-matching subdirectory under
// model-behaviors/ and concatenates every *.md file in it, mirroring the
// filesystem override convention documented for ModelBehaviorSet.
func modelBehaviorText(dv DataVolumeConfig, modelID string) string {
	root := dv.Join("model-behaviors")
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}

	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(modelID, e.Name()) && len(e.Name()) > len(best) {
			best = e.Name()
		}
	}
	if best == "" {
		return ""
	}

	files, err := os.ReadDir(filepath.Join(root, best))
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, best, f.Name()))
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(string(data)))
	}
	return b.String()
}

// seedRulesDocument is the shape of the optional rules-seed.yaml file: a
// flat list of permanent behavioral rules appended to the RulesStore once at
// startup, before any rule a running agent appends of its own accord.
type seedRulesDocument struct {
	Rules []string `yaml:"rules"`
}

// LoadSeedRules reads dv's optional rules-seed.yaml and returns its rule
// list, or nil with no error if the file doesn't exist.
func LoadSeedRules(dv DataVolumeConfig) ([]string, error) {
	data, err := os.ReadFile(dv.Join("rules-seed.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read rules-seed.yaml: %w", err)
	}
	var doc seedRulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse rules-seed.yaml: %w", err)
	}
	return doc.Rules, nil
}

// FrontmatterDocument is a markdown file's YAML frontmatter plus body text,
// as used for skills and other authored markdown records in the
// data-volume tree.
type FrontmatterDocument struct {
	Meta map[string]any
	Body string
}

// ParseFrontmatter renders a skill/rule markdown document, extracting its
// YAML frontmatter via goldmark-meta and returning the body with the
// frontmatter block stripped.
func ParseFrontmatter(content []byte) (FrontmatterDocument, error) {
	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return FrontmatterDocument{}, fmt.Errorf("config: parse frontmatter: %w", err)
	}
	return FrontmatterDocument{Meta: meta.Get(pctx), Body: stripFrontmatter(string(content))}, nil
}

func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Trim(strings.Join(lines[i+1:], "\n"), "\n")
		}
	}
	return content
}
