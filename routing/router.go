package routing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tierflow/tierflow/core"
)

// Hints carries optional routing context supplied by the caller
type Hints struct {
	// FilePath biases scoring toward workflows that handle its file type
	FilePath string
	// ErrorClass biases scoring toward workflows that triage it
	ErrorClass string
}

// Decision is the router's answer: which workflow to run, at what
// starting tier, and why.
type Decision struct {
	Primary    string    `json:"primary"`
	Secondary  []string  `json:"secondary,omitempty"`
	Tier       core.Tier `json:"tier"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
}

// Classifier disambiguates between candidate workflows when keyword
// scores tie. The returned name must be one of the candidates.
type Classifier interface {
	Classify(ctx context.Context, text string, candidates []string) (string, error)
}

// hintMultiplier is applied to a workflow's score when caller hints
// (file type, error class) independently suggest it.
const hintMultiplier = 1.25

// workflowProfile is the scoring material for one registered workflow
type workflowProfile struct {
	name        string
	keywords    map[string]float64
	totalWeight float64
	defaultTier core.Tier
}

// Router maps free-text requests onto registered workflows using
// weighted keyword scoring, with an optional LLM classifier for
// ambiguous cases. It never guesses: below-threshold requests fail
// with suggestions.
type Router struct {
	config     core.RoutingConfig
	profiles   []workflowProfile
	classifier Classifier
	logger     core.Logger
}

// NewRouter builds a router over the configured workflows. The
// classifier may be nil, in which case ambiguity falls back to the
// keyword ranking alone.
func NewRouter(config core.RoutingConfig, workflows map[string]core.WorkflowConfig, classifier Classifier, logger core.Logger) (*Router, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if len(workflows) == 0 {
		return nil, fmt.Errorf("router requires at least one workflow: %w", core.ErrMissingConfiguration)
	}

	profiles := make([]workflowProfile, 0, len(workflows))
	for name, wc := range workflows {
		tier := core.TierCapable
		if wc.DefaultTier != "" {
			parsed, err := core.ParseTier(wc.DefaultTier)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: %w", name, err)
			}
			tier = parsed
		}
		p := workflowProfile{
			name:        name,
			keywords:    make(map[string]float64, len(wc.Keywords)),
			defaultTier: tier,
		}
		for kw, weight := range wc.Keywords {
			norm := Normalize(kw)
			if norm == "" || weight <= 0 {
				continue
			}
			p.keywords[norm] = weight
			p.totalWeight += weight
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].name < profiles[j].name })

	return &Router{
		config:     config,
		profiles:   profiles,
		classifier: classifier,
		logger:     logger,
	}, nil
}

var punctRe = regexp.MustCompile(`[^a-z0-9_./\- ]+`)

// Normalize lowercases, strips punctuation that cannot appear in
// identifiers or paths, and collapses whitespace.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = punctRe.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

type scored struct {
	name       string
	confidence float64
	tier       core.Tier
}

// Route maps text to a workflow. Callers get ErrRoutingFailure (with
// suggestions in the message) rather than a low-confidence guess.
func (r *Router) Route(ctx context.Context, text string, hints Hints) (*Decision, error) {
	norm := Normalize(text)
	if norm == "" {
		return nil, fmt.Errorf("empty request text: %w", core.ErrRoutingFailure)
	}

	ranking := r.score(norm, hints)
	top := ranking[0]

	if top.confidence < r.config.MinThreshold {
		return nil, fmt.Errorf("no workflow matched (best %q at %.2f); suggestions: %s: %w",
			top.name, top.confidence, strings.Join(r.names(ranking, 3), ", "), core.ErrRoutingFailure)
	}

	// a leader clearing the hard threshold routes on keywords alone;
	// the classifier only breaks sub-threshold ties
	if top.confidence >= r.config.HardThreshold {
		return r.decision(norm, top, ranking, "keyword_strong"), nil
	}

	candidates := r.withinBand(ranking)
	if len(candidates) > 1 {
		return r.disambiguate(ctx, norm, ranking, candidates)
	}

	return r.decision(norm, top, ranking, "keyword"), nil
}

// score ranks every workflow against the normalized text
func (r *Router) score(norm string, hints Hints) []scored {
	hinted := make(map[string]bool)
	if hints.FilePath != "" {
		for _, name := range SuggestForFile(hints.FilePath) {
			hinted[name] = true
		}
	}
	if hints.ErrorClass != "" {
		for _, name := range SuggestForError(hints.ErrorClass) {
			hinted[name] = true
		}
	}

	padded := " " + norm + " "
	ranking := make([]scored, 0, len(r.profiles))
	for _, p := range r.profiles {
		var raw float64
		for kw, weight := range p.keywords {
			if strings.Contains(padded, " "+kw+" ") {
				raw += weight
			}
		}
		confidence := 0.0
		if p.totalWeight > 0 {
			confidence = raw / p.totalWeight
		}
		if hinted[p.name] {
			confidence *= hintMultiplier
		}
		if confidence > 1 {
			confidence = 1
		}
		ranking = append(ranking, scored{name: p.name, confidence: confidence, tier: p.defaultTier})
	}
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].confidence > ranking[j].confidence })
	return ranking
}

// withinBand returns every workflow whose score sits inside the
// ambiguity band below the leader.
func (r *Router) withinBand(ranking []scored) []scored {
	top := ranking[0]
	out := []scored{top}
	for _, s := range ranking[1:] {
		if top.confidence-s.confidence <= r.config.AmbiguityBand && s.confidence >= r.config.MinThreshold {
			out = append(out, s)
		}
	}
	return out
}

// disambiguate asks the CHEAP-tier classifier to pick among tied
// candidates. A failed or out-of-set answer falls back to the keyword
// leader when it clears the hard threshold, and otherwise refuses.
func (r *Router) disambiguate(ctx context.Context, norm string, ranking, candidates []scored) (*Decision, error) {
	top := candidates[0]
	names := r.names(candidates, len(candidates))

	if r.classifier != nil {
		choice, err := r.classifier.Classify(ctx, norm, names)
		if err == nil {
			for _, c := range candidates {
				if c.name == choice {
					return r.decision(norm, c, ranking, "classifier"), nil
				}
			}
			r.logger.Warn("Classifier answered outside candidate set", map[string]interface{}{
				"operation":  "route_classifier_invalid",
				"choice":     choice,
				"candidates": strings.Join(names, ","),
			})
		} else {
			r.logger.Warn("Classifier unavailable for disambiguation", map[string]interface{}{
				"operation": "route_classifier_error",
				"error":     err.Error(),
			})
		}
	}

	if top.confidence >= r.config.HardThreshold {
		return r.decision(norm, top, ranking, "keyword_strong"), nil
	}
	return nil, fmt.Errorf("ambiguous request between %s and classifier unavailable: %w",
		strings.Join(names, ", "), core.ErrRoutingFailure)
}

func (r *Router) decision(norm string, chosen scored, ranking []scored, rationale string) *Decision {
	var secondary []string
	for _, s := range ranking {
		if s.name == chosen.name || s.confidence < r.config.MinThreshold {
			continue
		}
		secondary = append(secondary, s.name)
		if len(secondary) == 2 {
			break
		}
	}
	return &Decision{
		Primary:    chosen.name,
		Secondary:  secondary,
		Tier:       TierForText(norm, chosen.tier),
		Confidence: chosen.confidence,
		Rationale:  rationale,
	}
}

func (r *Router) names(ranking []scored, n int) []string {
	out := make([]string, 0, n)
	for _, s := range ranking {
		out = append(out, s.name)
		if len(out) == n {
			break
		}
	}
	return out
}

var (
	cheapHintRe   = regexp.MustCompile(`\b(summarize|summary|tldr|list|rename|typo|explain briefly|quick)\b`)
	premiumHintRe = regexp.MustCompile(`\b(architecture|architectural|redesign|design review|security.critical|threat model|cryptograph\w*|concurrency model)\b`)
)

// TierForText applies the tier override heuristics to a normalized
// request. PREMIUM signals win over CHEAP ones.
func TierForText(norm string, defaultTier core.Tier) core.Tier {
	if premiumHintRe.MatchString(norm) {
		return core.TierPremium
	}
	if cheapHintRe.MatchString(norm) {
		return core.TierCheap
	}
	return defaultTier
}
