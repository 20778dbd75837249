package classify

import (
	"os"
	"strings"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// WorkspaceRule assigns Name to conversations having a tag that contains any
// of Keywords.
type WorkspaceRule struct {
	Name     model.Workspace `yaml:"name"`
	Keywords []string        `yaml:"keywords"`
}

// Rules is the keyword configuration of the classifier. Workspaces are tried
// in order and the first match wins.
type Rules struct {
	Workspaces []WorkspaceRule `yaml:"workspaces"`
	Escalation struct {
		Billing   []string `yaml:"billing"`
		Complaint []string `yaml:"complaint"`
	} `yaml:"escalation"`
}

func DefaultRules() Rules {
	r := Rules{
		Workspaces: []WorkspaceRule{
			{
				Name:     model.WorkspaceSkyPrivate,
				Keywords: []string{"skyprivate", "sky private", "sky-private"},
			},
			{
				Name:     model.WorkspaceCamModelDirectory,
				Keywords: []string{"cmd", "cammodeldirectory", "cam model directory", "cam-model-directory"},
			},
		},
	}
	r.Escalation.Billing = []string{"payment", "billing", "top-up", "topup", "top up", "verification"}
	r.Escalation.Complaint = []string{"report", "scammer", "ceq", "publicprofile", "public profile"}
	return r
}

// LoadRules reads a YAML rule file. Sections left out of the file keep their
// default keywords.
func LoadRules(path string) (Rules, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, goerr.Wrap(err, "failed to read classifier rules", goerr.V("path", path))
	}

	var loaded Rules
	if err := yaml.Unmarshal(content, &loaded); err != nil {
		return Rules{}, goerr.Wrap(err, "failed to parse classifier rules", goerr.V("path", path))
	}

	rules := DefaultRules()
	if len(loaded.Workspaces) > 0 {
		rules.Workspaces = loaded.Workspaces
	}
	if len(loaded.Escalation.Billing) > 0 {
		rules.Escalation.Billing = loaded.Escalation.Billing
	}
	if len(loaded.Escalation.Complaint) > 0 {
		rules.Escalation.Complaint = loaded.Escalation.Complaint
	}

	if err := rules.Validate(); err != nil {
		return Rules{}, goerr.Wrap(err, "invalid classifier rules", goerr.V("path", path))
	}
	return rules, nil
}

// Validate checks that every rule is usable
func (r Rules) Validate() error {
	for i, ws := range r.Workspaces {
		if ws.Name == "" {
			return goerr.Wrap(model.ErrInvalidConfig, "workspace name is empty", goerr.V("index", i))
		}
		if len(ws.Keywords) == 0 {
			return goerr.Wrap(model.ErrInvalidConfig, "workspace has no keywords", goerr.V("workspace", ws.Name))
		}
	}
	return nil
}

// lowered returns a copy of r with every keyword lower-cased
func (r Rules) lowered() Rules {
	out := Rules{Workspaces: make([]WorkspaceRule, len(r.Workspaces))}
	for i, ws := range r.Workspaces {
		out.Workspaces[i] = WorkspaceRule{Name: ws.Name, Keywords: lowerAll(ws.Keywords)}
	}
	out.Escalation.Billing = lowerAll(r.Escalation.Billing)
	out.Escalation.Complaint = lowerAll(r.Escalation.Complaint)
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// anyTagContains reports whether some tag contains some keyword. Tags must
// already be lower-cased.
func anyTagContains(tags, keywords []string) bool {
	for _, tag := range tags {
		for _, kw := range keywords {
			if strings.Contains(tag, kw) {
				return true
			}
		}
	}
	return false
}
