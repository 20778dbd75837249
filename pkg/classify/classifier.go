package classify

import (
	"context"
	"strings"

	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/convsync/pkg/utils/logging"
)

// Classifier derives workspace and escalation queue from conversation tags
type Classifier struct {
	rules  Rules
	policy *Policy
	prefix bool
}

type Option func(*Classifier)

func WithRules(r Rules) Option {
	return func(c *Classifier) {
		c.rules = r
	}
}

// WithPolicy enables a Rego override. A nil policy is ignored.
func WithPolicy(p *Policy) Option {
	return func(c *Classifier) {
		c.policy = p
	}
}

// WithEscalationPrefix makes escalated records of a known workspace report
// their workspace as "360_<Workspace>".
func WithEscalationPrefix(enabled bool) Option {
	return func(c *Classifier) {
		c.prefix = enabled
	}
}

func New(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	c.rules = c.rules.lowered()
	return c
}

// Classify is ClassifyContext with a background context
func (c *Classifier) Classify(tags []string) model.Classification {
	return c.ClassifyContext(context.Background(), tags)
}

// ClassifyContext matches keywords against each tag separately, so the
// result does not depend on tag order. A failing policy is logged and the
// keyword result is used instead.
func (c *Classifier) ClassifyContext(ctx context.Context, tags []string) model.Classification {
	if tags == nil {
		tags = []string{}
	}
	lowered := make([]string, len(tags))
	for i, t := range tags {
		lowered[i] = strings.ToLower(t)
	}

	workspace := c.matchWorkspace(lowered)
	kind := c.matchEscalation(lowered)

	if c.policy != nil {
		decision, err := c.policy.eval(ctx, tags)
		if err != nil {
			logging.From(ctx).Warn("classify policy failed, using keyword rules", "error", err)
		} else {
			if decision.HasWorkspace {
				workspace = c.canonicalWorkspace(decision.Workspace)
			}
			if decision.HasEscalation {
				kind = nil
				if decision.Escalation != "" {
					k := model.EscalationKind(decision.Escalation)
					kind = &k
				}
			}
		}
	}

	result := model.Classification{
		Tags:         tags,
		Workspace:    workspace,
		IsEscalation: kind != nil,
		Kind:         kind,
	}
	if c.prefix && result.IsEscalation && workspace != model.WorkspaceUnknown {
		result.Workspace = model.Workspace(model.EscalationPrefix + string(workspace))
	}
	return result
}

func (c *Classifier) matchWorkspace(tags []string) model.Workspace {
	for _, ws := range c.rules.Workspaces {
		if anyTagContains(tags, ws.Keywords) {
			return ws.Name
		}
	}
	return model.WorkspaceUnknown
}

func (c *Classifier) matchEscalation(tags []string) *model.EscalationKind {
	billing := anyTagContains(tags, c.rules.Escalation.Billing)
	complaint := anyTagContains(tags, c.rules.Escalation.Complaint)

	var kind model.EscalationKind
	switch {
	case billing && complaint:
		kind = model.EscalationBoth
	case billing:
		kind = model.EscalationBilling
	case complaint:
		kind = model.EscalationComplaintReview
	default:
		return nil
	}
	return &kind
}

// canonicalWorkspace maps a policy-supplied name onto the declared casing,
// dropping any escalation prefix. Names not declared are kept as given.
func (c *Classifier) canonicalWorkspace(name string) model.Workspace {
	name = strings.TrimSpace(name)
	if len(name) >= len(model.EscalationPrefix) && strings.EqualFold(name[:len(model.EscalationPrefix)], model.EscalationPrefix) {
		name = name[len(model.EscalationPrefix):]
	}
	if name == "" || strings.EqualFold(name, string(model.WorkspaceUnknown)) {
		return model.WorkspaceUnknown
	}
	for _, ws := range c.rules.Workspaces {
		if strings.EqualFold(name, string(ws.Name)) {
			return ws.Name
		}
	}
	return model.Workspace(name)
}
