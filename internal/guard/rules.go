package guard

// Rule severities. A rule loaded without one is treated as medium.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Rule is a prompt-screening rule. Patterns are always matched
// case-insensitively.
type Rule struct {
	ID          string `toml:"id"`
	Description string `toml:"description"`
	Pattern     string `toml:"pattern"`
	Severity    string `toml:"severity"`
}

// DefaultRules returns the built-in screening rules.
func DefaultRules() []Rule {
	return []Rule{
		// Instruction override
		{
			ID:          "instruction-override",
			Description: "Attempt to discard prior instructions",
			Pattern:     `\b(?:ignore|disregard|forget|override|bypass)\s+(?:all\s+|any\s+)?(?:of\s+)?(?:the\s+|your\s+|my\s+)?(?:previous|prior|above|earlier|preceding|original|system)\s+(?:instructions?|prompts?|rules|directions|guidelines|context)\b`,
			Severity:    "high",
		},
		{
			ID:          "instruction-replace",
			Description: "Attempt to install new top-level instructions",
			Pattern:     `\b(?:new|updated|real)\s+(?:system\s+)?instructions?\s*:\s*(?:you|from now)`,
			Severity:    "medium",
		},

		// Identity reassignment
		{
			ID:          "identity-reassignment",
			Description: "Attempt to reassign the assistant's identity",
			Pattern:     `\byou\s+are\s+(?:now|no\s+longer)\s+(?:a|an|the)?\s*(?:different|new|unrestricted|unfiltered|evil)?\s*(?:system|assistant|ai|model|bot|persona|character)\b`,
			Severity:    "high",
		},
		{
			ID:          "identity-pretend",
			Description: "Role-play framing used to shed restrictions",
			Pattern:     `\b(?:pretend|act\s+as\s+if)\s+(?:that\s+)?you\s+(?:have\s+no|are\s+not\s+bound\s+by|don't\s+have)\s+(?:rules|restrictions|guidelines|filters)\b`,
			Severity:    "high",
		},

		// System-role markup
		{
			ID:          "system-markup",
			Description: "Chat-template system role markup",
			Pattern:     `(?:<\|\s*system\s*\|>|<\|im_start\|>\s*system|<<\s*sys\s*>>|\[\s*system\s*\]|\[/?inst\])`,
			Severity:    "high",
		},
		{
			ID:          "system-prefix",
			Description: "Line starting with a system role prefix",
			Pattern:     `(?m)^\s*system\s*:`,
			Severity:    "medium",
		},

		// Extraction
		{
			ID:          "prompt-extraction",
			Description: "Attempt to reveal the system prompt",
			Pattern:     `\b(?:reveal|print|show|repeat|output|dump|leak)\s+(?:me\s+)?(?:your|the)\s+(?:full\s+|hidden\s+|original\s+|initial\s+)?(?:system\s+prompt|system\s+message|hidden\s+instructions|initial\s+instructions)\b`,
			Severity:    "high",
		},

		// Safety override
		{
			ID:          "developer-mode",
			Description: "Developer mode or jailbreak toggle",
			Pattern:     `\b(?:developer|god|dan)\s+mode\s+(?:enabled|activated|on)\b|\benable\s+(?:developer|god|dan)\s+mode\b|\bjailbreak\b`,
			Severity:    "high",
		},
		{
			ID:          "safety-override",
			Description: "Request to disable safety filtering",
			Pattern:     `\b(?:disable|turn\s+off|remove|deactivate)\s+(?:all\s+)?(?:your\s+)?(?:safety|content)\s+(?:filters?|guidelines|restrictions|checks)\b`,
			Severity:    "high",
		},
	}
}
