// Package classify turns a request into a capability tag plus parameters.
//
// Deterministic keyword rules run first; when none match and a Model is
// configured, the model's routing answer is normalized against the set of
// registered capabilities. Anything unrecognized, unregistered or below the
// confidence threshold becomes capability.TagUnknown. Classify never fails.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/task"
)

// Verdict is a model's raw routing answer.
type Verdict struct {
	Tag        string
	Confidence float64
	Params     map[string]string
}

// Model is the probabilistic text-understanding collaborator.
type Model interface {
	Route(ctx context.Context, text string, tags []capability.Tag) (Verdict, error)
}

// Registry is the subset of the capability registry the classifier needs.
type Registry interface {
	Has(tag capability.Tag) bool
	Tags() []capability.Tag
}

// Classifier implements the two-stage classification.
type Classifier struct {
	reg       Registry
	model     Model
	threshold float64
}

// New creates a classifier. model may be nil.
func New(reg Registry, model Model, threshold float64) *Classifier {
	return &Classifier{reg: reg, model: model, threshold: threshold}
}

// Classify never returns an error and never panics; failures degrade to
// the unknown tag.
func (c *Classifier) Classify(ctx context.Context, req task.Request) (out task.Classification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("classify: recovered panic",
				slog.String("request_id", req.ID.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
			out = unknown()
		}
	}()

	text := normalize(req.RawText)
	if text == "" {
		return unknown()
	}

	for _, r := range rules() {
		tag, params, ok := r(text)
		if !ok {
			continue
		}
		if !c.reg.Has(tag) {
			slog.Debug("classify: rule matched unregistered capability", slog.String("tag", string(tag)))
			break
		}
		return task.Classification{CapabilityTag: string(tag), Parameters: params, Confidence: ruleConfidence}
	}

	if c.model == nil {
		return unknown()
	}
	v, err := c.model.Route(ctx, text, c.reg.Tags())
	if err != nil {
		slog.Warn("classify: model unavailable",
			slog.String("request_id", req.ID.String()),
			slog.String("error", err.Error()),
		)
		return unknown()
	}
	return c.normalizeVerdict(v, text)
}

func (c *Classifier) normalizeVerdict(v Verdict, text string) task.Classification {
	conf := v.Confidence
	if math.IsNaN(conf) || conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	tag := capability.ParseTag(strings.ToLower(strings.TrimSpace(v.Tag)))
	if tag == capability.TagUnknown || !c.reg.Has(tag) || conf < c.threshold {
		slog.Debug("classify: degraded to unknown",
			slog.String("raw_tag", v.Tag),
			slog.Float64("confidence", conf),
		)
		out := unknown()
		out.Confidence = conf
		return out
	}

	params := make(map[string]string, len(v.Params)+1)
	for k, val := range v.Params {
		params[k] = val
	}
	if _, ok := params["text"]; !ok {
		params["text"] = text
	}
	return task.Classification{CapabilityTag: string(tag), Parameters: params, Confidence: conf}
}

func unknown() task.Classification {
	return task.Classification{CapabilityTag: string(capability.TagUnknown), Parameters: map[string]string{}}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToValidUTF8(s, "")), " ")
}
