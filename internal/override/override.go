// Package override detects classification-bypassing directives: heartbeat
// prompts, explicit force-model tokens, sub-agent tier inheritance, and
// tool-calling floors. Evaluation is ordered; the first match wins.
package override

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/throttleproxy/throttle/internal/catalog"

	throttle "github.com/throttleproxy/throttle/internal"
)

// ParentLookup resolves the model chosen for a prior request id. The
// routing log's recent-entry index implements it.
type ParentLookup interface {
	ParentModel(requestID string) (string, bool)
}

// heartbeatPatterns match prompts that exist only to keep an agent loop
// alive or to ask for a cheap recap. Anchored and case-insensitive.
var heartbeatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^ping[!.?]*$`),
	regexp.MustCompile(`(?i)^pong[!.?]*$`),
	regexp.MustCompile(`(?i)^heartbeat[!.?]*$`),
	regexp.MustCompile(`(?i)^are you (still )?there[!.?]*$`),
	regexp.MustCompile(`(?i)^(please )?summari[sz]e\b`),
	regexp.MustCompile(`(?i)^tl;?dr[!.?]*$`),
	regexp.MustCompile(`(?i)^recap\b`),
	regexp.MustCompile(`(?i)^give me a (brief |quick )?summary\b`),
	regexp.MustCompile(`(?i)^status[!.?]*$`),
}

// inlinePrefixPattern pulls the alias token off a "/alias rest" command.
var inlinePrefixPattern = regexp.MustCompile(`^/([a-z0-9][a-z0-9._-]*)(\s|$)`)

// Detector is immutable after construction.
type Detector struct {
	aliases map[string]string
	reg     *catalog.Registry
	parents ParentLookup
}

// NewDetector builds a detector over the configured alias set. aliases
// map lowercase alias names to catalog model ids and must already be
// validated against the registry.
func NewDetector(aliases map[string]string, reg *catalog.Registry, parents ParentLookup) *Detector {
	lowered := make(map[string]string, len(aliases))
	for alias, id := range aliases {
		lowered[strings.ToLower(alias)] = id
	}
	return &Detector{aliases: lowered, reg: reg, parents: parents}
}

// Detect runs the ordered rules against the request. The only error is
// an unknown X-Throttle-Force-Model alias, which is an invalid_request.
func (d *Detector) Detect(req *throttle.ParsedRequest) (throttle.Override, error) {
	text := strings.TrimSpace(req.LastUserText())

	// 1. Heartbeat prompts route to the cheapest configured model.
	for _, p := range heartbeatPatterns {
		if p.MatchString(text) {
			return throttle.Override{Kind: throttle.OverrideHeartbeat}, nil
		}
	}

	// 2. Force-model, by header or inline prefix. A header naming an
	// unknown alias is a client error; an unrecognized inline prefix is
	// just content.
	if req.ForceModel != "" {
		id, ok := d.aliases[strings.ToLower(req.ForceModel)]
		if !ok {
			return throttle.Override{}, throttle.Errf(throttle.ErrInvalidRequest,
				"unknown force-model alias %q", req.ForceModel)
		}
		return throttle.Override{Kind: throttle.OverrideForceModel, Model: id}, nil
	}
	if m := inlinePrefixPattern.FindStringSubmatch(text); m != nil {
		if id, ok := d.aliases[strings.ToLower(m[1])]; ok {
			return throttle.Override{Kind: throttle.OverrideForceModel, Model: id}, nil
		}
	}

	// 3. Sub-agent inheritance from a parent request. The hierarchy is
	// the catalog's cost order; a parent already at the floor, or whose
	// model is not in the catalog, is inherited unchanged.
	if req.ParentID != "" && d.parents != nil {
		if parentModel, ok := d.parents.ParentModel(req.ParentID); ok {
			if down, ok := d.reg.StepDown(parentModel); ok {
				return throttle.Override{
					Kind:     throttle.OverrideSubAgentStepdown,
					Model:    down.ID,
					ParentID: req.ParentID,
				}, nil
			}
			return throttle.Override{
				Kind:     throttle.OverrideSubAgentInherit,
				Model:    parentModel,
				ParentID: req.ParentID,
			}, nil
		}
		slog.Warn("parent request id not found in routing log",
			slog.String("parent_id", req.ParentID))
	}

	// 4. Tool definitions floor the tier at standard.
	if req.HasTools {
		return throttle.Override{Kind: throttle.OverrideToolCalling}, nil
	}

	return throttle.Override{Kind: throttle.OverrideNone}, nil
}
