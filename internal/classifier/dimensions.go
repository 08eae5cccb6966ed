package classifier

import (
	"math"
	"regexp"
	"strings"
)

// dimension pairs a stable name (the key used in weights files and debug
// logs) with its default weight and scoring function. All scores land in
// [0,1]; simpleIndicators carries a negative weight so strong simplicity
// signals pull the composite down.
type dimension struct {
	name   string
	weight float64
	score  func(text string, meta Meta) float64
}

var dimensions = []dimension{
	{"tokenCount", 0.12, scoreTokenCount},
	{"codePresence", 0.12, scoreCodePresence},
	{"reasoningMarkers", 0.10, scoreReasoningMarkers},
	{"simpleIndicators", -0.15, scoreSimpleIndicators},
	{"multiStepPatterns", 0.12, scoreMultiStepPatterns},
	{"questionCount", 0.05, scoreQuestionCount},
	{"systemPromptSignals", 0.06, scoreSystemPromptSignals},
	{"conversationDepth", 0.06, scoreConversationDepth},
	{"agenticTask", 0.13, scoreAgenticTask},
	{"technicalTerms", 0.08, scoreTechnicalTerms},
	{"constraintCount", 0.08, scoreConstraintCount},
	{"escalationSignals", 0.08, scoreEscalationSignals},
}

var (
	codeKeywordPattern = regexp.MustCompile(`\b(func|def|class|import|return|const|var|struct|interface|async|await|lambda|println|printf)\b`)
	inlineCodePattern  = regexp.MustCompile("`[^`\n]+`")

	reasoningPattern = regexp.MustCompile(`\b(explain|why|analy[sz]e|because|reason about|prove|compare|trade-?offs?|pros and cons)\b|step[ -]by[ -]step`)

	greetingPattern    = regexp.MustCompile(`^\s*(hi|hiya|hello|hey|yo|thanks|thank you|thx|ty|ok|okay|yes|no|yep|nope|sure|got it|sounds good|cool|nice|great|lgtm|done|bye)[\s!.?]*$`)
	affirmationPattern = regexp.MustCompile(`^\s*(please )?(continue|go ahead|proceed|do it|carry on)[\s!.?]*$`)

	enumerationPattern = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*]\s|step \d)`)
	sequencePattern    = regexp.MustCompile(`\bfirst\b.*\bthen\b|\bafter that\b|\bnext,|\bfinally\b|\band then\b`)

	interrogativePattern = regexp.MustCompile(`\b(what|how|why|when|where|which|who|can you|could you|should i)\b`)

	structurePattern = regexp.MustCompile(`(?m)^\s*(#{1,6}\s|[-*]\s|\d+[.)]\s|<[a-z_]+>)`)

	agenticPattern = regexp.MustCompile(`\b(build|implement|design|refactor|create|develop|integrate|migrate|deploy|automate|write (a|an|the|unit|some)|add (a|an|the) (feature|endpoint|test)|set up|fix (the|this|all))\b`)

	technicalPattern = regexp.MustCompile(`\b(api|database|db|sql|schema|index|cache|queue|thread|goroutine|mutex|concurren\w+|algorithm|complexity|compil\w+|regex|kubernetes|docker|container|http|grpc|json|yaml|protocol|encryption|tls|oauth|latency|throughput|deadlock|race condition|migration|microservice|websocket|serializ\w+|pagination|idempoten\w+)\b`)

	constraintPattern = regexp.MustCompile(`\b(must( not)?|should not|shall|at (most|least)|no more than|within \d+|exactly \d*|only if|never|always|required|forbidden|constraint)\b`)

	escalationPattern = regexp.MustCompile(`\b(urgent|asap|critical|production|outage|incident|carefully|thorough\w*|comprehensive|complex|complicated|difficult|tricky|deep dive|in detail|detailed|rigorous|edge cases)\b`)
)

// scoreTokenCount log-scales the utterance length; ~10k characters
// saturates the dimension.
func scoreTokenCount(text string, _ Meta) float64 {
	return math.Min(1, math.Log10(1+float64(len(text)))/4)
}

func scoreCodePresence(text string, _ Meta) float64 {
	if strings.Contains(text, "```") {
		return 1
	}
	lower := strings.ToLower(text)
	s := 0.0
	if inlineCodePattern.MatchString(text) {
		s += 0.3
	}
	if n := len(codeKeywordPattern.FindAllString(lower, 4)); n > 0 {
		s += 0.15 * float64(n)
	}
	if strings.Contains(text, "{") && strings.Contains(text, "}") {
		s += 0.1
	}
	return math.Min(1, s)
}

func scoreReasoningMarkers(text string, _ Meta) float64 {
	n := len(reasoningPattern.FindAllString(strings.ToLower(text), 4))
	return math.Min(1, 0.25*float64(n))
}

func scoreSimpleIndicators(text string, _ Meta) float64 {
	lower := strings.ToLower(strings.TrimSpace(text))
	if greetingPattern.MatchString(lower) || affirmationPattern.MatchString(lower) {
		return 1
	}
	switch words := len(strings.Fields(lower)); {
	case words <= 2:
		return 0.8
	case words <= 5:
		return 0.4
	}
	return 0
}

func scoreMultiStepPatterns(text string, _ Meta) float64 {
	lower := strings.ToLower(text)
	s := 0.3 * float64(len(enumerationPattern.FindAllString(lower, 3)))
	if sequencePattern.MatchString(lower) {
		s += 0.3
	}
	s += 0.15 * float64(strings.Count(lower, ", and "))
	return math.Min(1, s)
}

func scoreQuestionCount(text string, _ Meta) float64 {
	q := strings.Count(text, "?")
	if q == 0 && interrogativePattern.MatchString(strings.ToLower(text)) {
		q = 1
	}
	return math.Min(1, 0.25*float64(q))
}

func scoreSystemPromptSignals(_ string, meta Meta) float64 {
	if meta.System == "" {
		return 0
	}
	s := math.Min(0.8, math.Log10(1+float64(len(meta.System)))/4)
	if structurePattern.MatchString(meta.System) {
		s += 0.2
	}
	return math.Min(1, s)
}

// scoreConversationDepth saturates at twenty turns.
func scoreConversationDepth(_ string, meta Meta) float64 {
	return math.Min(1, float64(meta.MessageCount)/20)
}

func scoreAgenticTask(text string, _ Meta) float64 {
	n := len(agenticPattern.FindAllString(strings.ToLower(text), 3))
	return math.Min(1, 0.35*float64(n))
}

func scoreTechnicalTerms(text string, _ Meta) float64 {
	n := len(technicalPattern.FindAllString(strings.ToLower(text), 7))
	return math.Min(1, 0.15*float64(n))
}

func scoreConstraintCount(text string, _ Meta) float64 {
	n := len(constraintPattern.FindAllString(strings.ToLower(text), 4))
	return math.Min(1, 0.25*float64(n))
}

func scoreEscalationSignals(text string, _ Meta) float64 {
	n := len(escalationPattern.FindAllString(strings.ToLower(text), 4))
	return math.Min(1, 0.3*float64(n))
}
