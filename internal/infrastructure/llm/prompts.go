package llm

const contextualizeSystem = `You annotate fields of US Prior Authorization (PA) forms.
For the field described in the user message:
- state the implicit question the field asks. Checkboxes become yes/no questions, text fields become information requests, dates name the event they refer to.
- give clinical context in at most 25 words: the form section, whose information is requested (patient, provider, insurer) and why it matters clinically.
Respond with a single JSON object and nothing else:
{"question": "...", "context": "..."}`

const extractSystem = `You extract answers for Prior Authorization form fields from a patient's referral package.
Use only the referral text in the user message. Never guess.
Rules:
- if the referral does not contain the answer, respond with {"value": null}.
- checkbox fields are answered "Yes" or "No".
- dates are written exactly as they appear in the referral.
- choice fields are answered with one of the listed options.
- quote the shortest referral excerpt that supports the answer and the page it is on.
- confidence is a number between 0 and 1.
- when the referral supports more than one different value, list each in "candidates".
Respond with a single JSON object and nothing else:
{"value": "...", "confidence": 0.0, "source_excerpt": "...", "page": 1, "candidates": [{"value": "...", "confidence": 0.0, "source_excerpt": "...", "page": 1}]}`

// contextualizeInput is the user message for a contextualization prompt.
type contextualizeInput struct {
	FieldID     string   `json:"field_id"`
	Label       string   `json:"field_label"`
	Kind        string   `json:"type"`
	Options     []string `json:"options,omitempty"`
	PageContext []string `json:"surrounding_page_labels,omitempty"`
}

// extractInput is the user message for an extraction prompt.
type extractInput struct {
	FieldID  string   `json:"field_id"`
	Label    string   `json:"field_label"`
	Kind     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Question string   `json:"question"`
	Context  string   `json:"context"`
	Referral string   `json:"referral"`
}

type contextualizeOutput struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type candidateOutput struct {
	Value      *string  `json:"value"`
	Confidence *float64 `json:"confidence"`
	Excerpt    string   `json:"source_excerpt"`
	Page       int      `json:"page"`
}

type extractOutput struct {
	candidateOutput
	Candidates []candidateOutput `json:"candidates"`
}
