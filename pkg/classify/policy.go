package classify

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const policyQuery = "data.classify"

// Policy is a Rego override of the keyword rules. A policy in package
// classify may define `workspace` and `escalation`; undefined keys fall back
// to the keyword result.
type Policy struct {
	query *rego.PreparedEvalQuery
}

// policyDecision is the evaluated content of data.classify
type policyDecision struct {
	Workspace     string
	HasWorkspace  bool
	Escalation    string
	HasEscalation bool
}

type regoPrintHook struct{}

func (h *regoPrintHook) Print(ctx print.Context, message string) error {
	logging.From(ctx.Context).Debug("rego print", "message", message)
	return nil
}

// LoadPolicy loads every .rego file in dir. It returns nil without error when
// the directory has no policy files.
func LoadPolicy(ctx context.Context, dir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query(policyQuery))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare classify policy", goerr.V("dir", dir))
	}

	return &Policy{query: &prepared}, nil
}

func (p *Policy) eval(ctx context.Context, tags []string) (*policyDecision, error) {
	input := map[string]any{"tags": tags}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate classify policy")
	}

	decision := &policyDecision{}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid classify result: not an object", goerr.V("value", rs[0].Expressions[0].Value))
	}

	if v, ok := data["workspace"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, goerr.New("invalid classify result: workspace is not a string", goerr.V("workspace", v))
		}
		decision.Workspace, decision.HasWorkspace = s, true
	}

	if v, ok := data["escalation"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, goerr.New("invalid classify result: escalation is not a string", goerr.V("escalation", v))
		}
		if s != "" {
			if err := model.EscalationKind(s).Validate(); err != nil {
				return nil, goerr.Wrap(err, "invalid classify result")
			}
		}
		decision.Escalation, decision.HasEscalation = s, true
	}

	return decision, nil
}
