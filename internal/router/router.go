package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ferro-labs/completion-core/internal/registry"
)

// modelSource is the subset of *registry.Registry the router needs,
// satisfied by the real registry and easily faked in tests.
type modelSource interface {
	GetModel(id string) (registry.ModelSpec, bool)
	AllModels() []registry.ModelSpec
	Routes() []registry.RouteSpec
}

// Router selects the primary model and ordered fallback chain for a request.
type Router struct {
	registry  modelSource
	estimator TokenEstimator
}

// New creates a Router backed by reg, using estimator (or CharDiv4Estimator
// if nil) for token estimation.
func New(reg modelSource, estimator TokenEstimator) *Router {
	if estimator == nil {
		estimator = CharDiv4Estimator{}
	}
	return &Router{registry: reg, estimator: estimator}
}

// Estimator returns the router's configured TokenEstimator, for callers
// building a RoutingContext via AnalyzeMessageContent.
func (r *Router) Estimator() TokenEstimator { return r.estimator }

// Route selects a model for ctx, honoring an explicit user override if
// given and capability-feasible, otherwise evaluating configured routes
// top-to-bottom, falling back to default-mode tier sorting, and finally to
// a hard no-match escape hatch.
func (r *Router) Route(ctx RoutingContext, userModelOverride string) RoutingDecision {
	if userModelOverride != "" {
		if model, ok := r.registry.GetModel(userModelOverride); ok && r.validateCapabilities(model, ctx) {
			return RoutingDecision{
				PrimaryModelID:   userModelOverride,
				FallbackModelIDs: r.synthesizeFallbacks(model.ID, ctx),
				RouteName:        "user_override",
				RouteReason:      fmt.Sprintf("user selected %s", userModelOverride),
				TimeoutMS:        60000,
			}
		}
		// Capability-infeasible or unknown override: fall through to rule
		// evaluation rather than erroring.
	}

	for _, route := range r.registry.Routes() {
		if !r.matchesRoute(route, ctx) {
			continue
		}
		primary, ok := r.registry.GetModel(route.UseModel)
		if !ok || !r.validateCapabilities(primary, ctx) {
			continue
		}
		fallbacks := r.filterFallbacks(route.FallbackModels, ctx)
		if len(fallbacks) == 0 {
			fallbacks = r.synthesizeFallbacks(primary.ID, ctx)
		}
		return RoutingDecision{
			PrimaryModelID:   primary.ID,
			FallbackModelIDs: fallbacks,
			RouteName:        route.Name,
			RouteReason:      r.buildRouteReason(route, ctx),
			TimeoutMS:        route.TimeoutMS,
		}
	}

	return r.defaultRoute(ctx)
}

func (r *Router) matchesRoute(route registry.RouteSpec, ctx RoutingContext) bool {
	pred := route.Predicate
	switch {
	case pred.Always:
		return true
	case pred.Any != nil:
		for _, clause := range pred.Any {
			if r.evaluateClause(clause, ctx) {
				return true
			}
		}
		return false
	case pred.All != nil:
		for _, clause := range pred.All {
			if !r.evaluateClause(clause, ctx) {
				return false
			}
		}
		return len(pred.All) > 0
	default:
		return false
	}
}

func (r *Router) evaluateClause(c registry.Clause, ctx RoutingContext) bool {
	switch {
	case c.HasCodeBlock != nil:
		return ctx.HasCodeBlock == *c.HasCodeBlock
	case c.HasAttachments != nil:
		return ctx.HasAttachments == *c.HasAttachments
	case c.RAGEnabled != nil:
		return ctx.RAGEnabled == *c.RAGEnabled
	case c.ToolsEnabled != nil:
		return ctx.ToolsEnabled == *c.ToolsEnabled
	case c.ResponseFormatRequired != nil:
		return ctx.ResponseFormatRequired == *c.ResponseFormatRequired
	case c.ContextEstTokensGT != nil:
		return ctx.EstimatedContextTokens > *c.ContextEstTokensGT
	case c.ContainsRegex != nil:
		re, err := regexp.Compile("(?i)" + *c.ContainsRegex)
		if err != nil {
			return false
		}
		return re.MatchString(ctx.LastUserMessage)
	default:
		return false
	}
}

// validateCapabilities reports whether model meets ctx's capability
// requirements: tools_enabled implies supports_tools, a required
// json_schema response format implies supports_json_schema, and the
// estimated context must not exceed the model's max.
func (r *Router) validateCapabilities(model registry.ModelSpec, ctx RoutingContext) bool {
	if ctx.ToolsEnabled && !model.SupportsTools {
		return false
	}
	if ctx.ResponseFormatRequired == "json_schema" && !model.SupportsJSONSchema {
		return false
	}
	if ctx.EstimatedContextTokens > model.MaxContextTokens {
		return false
	}
	return true
}

func (r *Router) filterFallbacks(ids []string, ctx RoutingContext) []string {
	var out []string
	for _, id := range ids {
		model, ok := r.registry.GetModel(id)
		if ok && r.validateCapabilities(model, ctx) {
			out = append(out, id)
		}
	}
	return out
}

// synthesizeFallbacks builds a fallback chain from every other
// capability-feasible model, sorted by (reliability desc, speed desc, cost
// asc), keeping the top 3.
func (r *Router) synthesizeFallbacks(excludeID string, ctx RoutingContext) []string {
	var candidates []registry.ModelSpec
	for _, m := range r.registry.AllModels() {
		if m.ID == excludeID {
			continue
		}
		if r.validateCapabilities(m, ctx) {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ReliabilityTier != b.ReliabilityTier {
			return a.ReliabilityTier > b.ReliabilityTier
		}
		if a.SpeedTier != b.SpeedTier {
			return a.SpeedTier > b.SpeedTier
		}
		return a.CostTier < b.CostTier
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}
	return ids
}

func (r *Router) defaultRoute(ctx RoutingContext) RoutingDecision {
	var candidates []registry.ModelSpec
	for _, m := range r.registry.AllModels() {
		if r.validateCapabilities(m, ctx) {
			candidates = append(candidates, m)
		}
	}

	if len(candidates) == 0 {
		all := r.registry.AllModels()
		if len(all) == 0 {
			return RoutingDecision{RouteName: "fallback_no_match", RouteReason: "no models registered", TimeoutMS: 30000}
		}
		return RoutingDecision{
			PrimaryModelID: all[0].ID,
			RouteName:      "fallback_no_match",
			RouteReason:    "no models meet all capability requirements",
			TimeoutMS:      30000,
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SpeedTier != b.SpeedTier {
			return a.SpeedTier > b.SpeedTier
		}
		if a.CostTier != b.CostTier {
			return a.CostTier < b.CostTier
		}
		return a.ReliabilityTier > b.ReliabilityTier
	})

	primary := candidates[0]
	var fallbacks []string
	for _, m := range candidates[1:] {
		if len(fallbacks) >= 3 {
			break
		}
		fallbacks = append(fallbacks, m.ID)
	}

	return RoutingDecision{
		PrimaryModelID:   primary.ID,
		FallbackModelIDs: fallbacks,
		RouteName:        "default",
		RouteReason:      "default routing: fast and cost-effective",
		TimeoutMS:        30000,
	}
}

func (r *Router) buildRouteReason(route registry.RouteSpec, ctx RoutingContext) string {
	var reasons []string
	if ctx.HasCodeBlock {
		reasons = append(reasons, "code blocks detected")
	}
	if ctx.RAGEnabled {
		reasons = append(reasons, "RAG enabled")
	}
	if ctx.ToolsEnabled {
		reasons = append(reasons, "tools required")
	}
	if ctx.ResponseFormatRequired != "" {
		reasons = append(reasons, ctx.ResponseFormatRequired+" format required")
	}
	if ctx.EstimatedContextTokens > 12000 {
		reasons = append(reasons, fmt.Sprintf("long context (%d tokens)", ctx.EstimatedContextTokens))
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("route %q matched", route.Name)
	}
	return fmt.Sprintf("route %q: %s", route.Name, strings.Join(reasons, ", "))
}
